package backfill

// PartitionManifest is persisted at {runPrefix}/manifest.json after every partition
// chunk has been written. Field order is part of the stored format.
type PartitionManifest struct {
	Bucket          string   `json:"bucket"`
	OutputPrefix    string   `json:"outputPrefix"`
	RunID           string   `json:"runId"`
	ChunkSize       int      `json:"chunkSize"`
	TotalPartitions int      `json:"totalPartitions"`
	TotalChunks     int      `json:"totalChunks"`
	ChunkKeys       []string `json:"chunkKeys"`
}

// DateManifest is persisted at {runPrefix}/manifest.json after every date chunk has
// been written. Field order is part of the stored format.
type DateManifest struct {
	Bucket       string   `json:"bucket"`
	OutputPrefix string   `json:"outputPrefix"`
	RunID        string   `json:"runId"`
	ChunkSize    int      `json:"chunkSize"`
	StartDate    string   `json:"startDate"`
	EndDate      string   `json:"endDate"`
	TotalDates   int      `json:"totalDates"`
	TotalChunks  int      `json:"totalChunks"`
	ChunkKeys    []string `json:"chunkKeys"`
}

// PartitionPlan is returned to the orchestrator that fans out partition workers.
type PartitionPlan struct {
	Bucket          string   `json:"bucket"`
	OutputPrefix    string   `json:"outputPrefix"`
	RunID           string   `json:"runId"`
	ManifestKey     string   `json:"manifestKey"`
	TotalPartitions int      `json:"totalPartitions"`
	TotalChunks     int      `json:"totalChunks"`
	ChunkKeys       []string `json:"chunkKeys"`
	MaxConcurrency  *int     `json:"maxConcurrency,omitempty"`
}

// RefineTarget names the tables and engine settings refine workers run against.
// Planners echo it so the orchestrator can hand it to every worker.
type RefineTarget struct {
	Database        string `json:"database"`
	RawTable        string `json:"rawTable"`
	RefinedTable    string `json:"refinedTable"`
	RefinedLocation string `json:"refinedLocation"`
	OutputLocation  string `json:"outputLocation"`
	WorkGroup       string `json:"workGroup"`
}

// DatePlan is returned to the orchestrator that fans out refine workers.
type DatePlan struct {
	Bucket         string   `json:"bucket"`
	OutputPrefix   string   `json:"outputPrefix"`
	RunID          string   `json:"runId"`
	ManifestKey    string   `json:"manifestKey"`
	TotalDates     int      `json:"totalDates"`
	TotalChunks    int      `json:"totalChunks"`
	ChunkKeys      []string `json:"chunkKeys"`
	MaxConcurrency *int     `json:"maxConcurrency,omitempty"`
	StartDate      string   `json:"startDate"`
	EndDate        string   `json:"endDate"`
	RefineTarget
}
