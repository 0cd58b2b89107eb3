package backfill

import (
	"fmt"
	"strings"
)

// PartitionLocation returns the storage location of one raw partition under locationPrefix.
func PartitionLocation(locationPrefix string, p PartitionItem) string {
	return fmt.Sprintf("%s/year=%s/month=%s/day=%s/hour=%s/",
		strings.TrimSuffix(locationPrefix, "/"), p.Year, p.Month, p.Day, p.Hour)
}

// AddPartitionsQuery builds a single statement registering every partition that is not
// yet known to the catalog.
func AddPartitionsQuery(table, locationPrefix string, partitions []PartitionItem) string {
	clauses := make([]string, 0, len(partitions))
	for _, p := range partitions {
		clauses = append(clauses, fmt.Sprintf("PARTITION (year='%s', month='%s', day='%s', hour='%s') LOCATION '%s'",
			p.Year, p.Month, p.Day, p.Hour, PartitionLocation(locationPrefix, p)))
	}

	return fmt.Sprintf("ALTER TABLE %s ADD IF NOT EXISTS\n%s;", table, strings.Join(clauses, "\n"))
}

const createRefinedTableTemplate = `
CREATE EXTERNAL TABLE IF NOT EXISTS %s (
  period_start timestamp,
  winddirection_avg double,
  windavg_avg double,
  windgust_max double,
  pressure_avg double,
  airtemperature_avg double,
  relativehumidity_avg double,
  rainaccumulation_sum double,
  uv_avg double,
  solarradiation_avg double,
  sample_count bigint
)
PARTITIONED BY (
  year string,
  month string,
  day string,
  hour string
)
STORED AS PARQUET
LOCATION '%s'
TBLPROPERTIES (
  'parquet.compress'='SNAPPY'
)`

// CreateRefinedTableQuery creates the 15-minute aggregate table if it is missing.
func CreateRefinedTableQuery(table, location string) string {
	return fmt.Sprintf(createRefinedTableTemplate, table, location)
}

const existingRowsTemplate = `
SELECT CAST(COUNT(1) AS BIGINT) AS refined_rows
FROM %s
WHERE year='%s'
AND month='%s'
AND day='%s'`

// ExistingRowsQuery counts refined rows already stored for date.
func ExistingRowsQuery(table string, date DateItem) string {
	return fmt.Sprintf(existingRowsTemplate, table, date.Year, date.Month, date.Day)
}

// Readings are bucketed into 15 minute windows: averages for most measurements,
// max gust, summed rain accumulation and a sample count.
const insertRefinedRowsTemplate = `
INSERT INTO %[2]s
SELECT
  period_start,
  AVG(winddirection) AS winddirection_avg,
  AVG(windavg) AS windavg_avg,
  MAX(windgust) AS windgust_max,
  AVG(pressure) AS pressure_avg,
  AVG(airtemperature) AS airtemperature_avg,
  AVG(relativehumidity) AS relativehumidity_avg,
  SUM(rainaccumulation) AS rainaccumulation_sum,
  AVG(uv) AS uv_avg,
  AVG(solarradiation) AS solarradiation_avg,
  CAST(COUNT(1) AS BIGINT) AS sample_count,
  DATE_FORMAT(period_start, '%%Y') AS year,
  DATE_FORMAT(period_start, '%%m') AS month,
  DATE_FORMAT(period_start, '%%d') AS day,
  DATE_FORMAT(period_start, '%%H') AS hour
FROM (
  SELECT
    DATE_TRUNC('hour', FROM_UNIXTIME(datetime))
      + INTERVAL '15' MINUTE * CAST(FLOOR(MINUTE(FROM_UNIXTIME(datetime)) / 15) AS INTEGER) AS period_start,
    winddirection,
    windavg,
    windgust,
    pressure,
    airtemperature,
    relativehumidity,
    rainaccumulation,
    uv,
    solarradiation
  FROM %[1]s
  WHERE year='%[3]s'
  AND month='%[4]s'
  AND day='%[5]s'
) source
GROUP BY period_start`

// InsertRefinedRowsQuery aggregates one day of raw readings into refinedTable.
func InsertRefinedRowsQuery(rawTable, refinedTable string, date DateItem) string {
	return fmt.Sprintf(insertRefinedRowsTemplate, rawTable, refinedTable, date.Year, date.Month, date.Day)
}
