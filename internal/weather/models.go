package weather

// Record is one station's measurement as parsed from the upstream feed.
// Records are read-only snapshots; the station name is the only identity
// they have, and only within a single fetch.
type Record struct {
	StationName string  `json:"stationname" validate:"required"`
	Temperature float64 `json:"temperature"`
	Humidity    float64 `json:"humidity"`
	Description string  `json:"weatherdescription"`
	Region      string  `json:"regio"`
}
