// Package domain models aviation weather bulletins as published by the
// Aviation Weather Center (AWC).
//
// # Data Source
//
// AWC republishes its products every minute as gzip-compressed bulk files
// under https://aviationweather.gov/data/cache/. Each product uses its own
// wire shape:
//
//	metars.cache.csv.gz           delimited text, one observation per row
//	tafs.cache.xml.gz             XML, one <TAF> per forecast
//	airsigmets.cache.csv.gz       delimited text, one advisory per row
//	gairmets.cache.xml.gz         XML, one <GAIRMET> per forecast snapshot
//	aircraftreports.cache.csv.gz  delimited text, one pilot report per row
//	stations.cache.json.gz        JSON array (or GeoJSON) of station metadata
//
// The per-identifier API at https://aviationweather.gov/api/data returns the
// same products as JSON objects. Both paths normalize into [Record].
//
// # Conventions
//
// Times are UTC instants. Missing optional values are nil, never sentinel
// numbers such as -9999 or 0. Visibility is statute miles, with "10+" meaning
// "at least 10". Altimeter settings are inches of mercury; hectopascal values
// from the API are converted. Cloud bases are feet above ground level.
//
// # Kinds and freshness
//
// Six kinds exist (see [Kinds]). Each has a [Feed] whose TTL exceeds the
// source's update interval, so a store populated by a healthy pipeline never
// loses a key between runs.
package domain
