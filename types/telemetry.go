// types/telemetry.go
package types

// ------------------------
// Host-facing telemetry payloads
// ------------------------

// APInfo is one access point seen during a station-mode scan.
type APInfo struct {
	SSID    string `json:"ssid"`
	BSSID   string `json:"bssid"`
	Channel int    `json:"channel"`
	RSSI    int    `json:"rssi"`
	Auth    string `json:"auth,omitempty"`
}

type ScanResult struct {
	APs  []APInfo `json:"aps"`
	TsMs int64    `json:"ts_ms"`
}

// BLEDevice is one advertiser seen during a passive BLE scan.
type BLEDevice struct {
	Addr           string `json:"addr"`
	AddrType       uint8  `json:"addr_type"` // 0 public, 1 random
	RSSI           int    `json:"rssi"`
	Name           string `json:"name,omitempty"`
	ManufacturerID uint16 `json:"manufacturer_id,omitempty"`
}

type BLEScanResult struct {
	Devices []BLEDevice `json:"devices"`
	TsMs    int64       `json:"ts_ms"`
}

// AnalyzerSample is one reading from the continuous sub-GHz RSSI stream
// (frame type 0x02).
type AnalyzerSample struct {
	RSSI int   `json:"rssi"`
	TsMs int64 `json:"ts_ms"`
}

// SpectrumBlock is a block of per-channel RSSI samples (frame type 0x02).
type SpectrumBlock struct {
	Channel int    `json:"channel"`
	Samples []int8 `json:"samples"`
	TsMs    int64  `json:"ts_ms"`
}

// CSIBlock carries one channel-state-information snapshot (frame type 0x05).
type CSIBlock struct {
	Channel     int    `json:"channel"`
	RSSI        int    `json:"rssi"`
	Subcarriers []int8 `json:"subcarriers"`
	TsMs        int64  `json:"ts_ms"`
}

// HandshakeSet is the field set extracted from a captured key exchange
// (frame type 0x04). Raw frames travel separately as type 0x03.
type HandshakeSet struct {
	BSSID    string `json:"bssid"`
	Station  string `json:"station"`
	MsgMask  uint8  `json:"msg_mask"` // bit i set => message i+1 seen
	Complete bool   `json:"complete"`
	TsMs     int64  `json:"ts_ms"`
}

// TagInfo describes one NFC target found by a passive poll.
type TagInfo struct {
	UID      string `json:"uid"`
	ATQA     uint16 `json:"atqa"`
	SAK      uint8  `json:"sak"`
	Protocol string `json:"protocol"`
	TsMs     int64  `json:"ts_ms"`
}

// Status is a short status/log message for the host (frame type 0x06).
type Status struct {
	Level  string `json:"level"` // "info", "warn", "error"
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
	TsMs   int64  `json:"ts_ms"`
}

// Heartbeat is the periodic liveness report (frame type 0x07).
type Heartbeat struct {
	UptimeMs  int64  `json:"uptime_ms"`
	FramesOut uint64 `json:"frames_out"`
	FramesIn  uint64 `json:"frames_in"`
	Overflows uint64 `json:"overflows"`
	Mode      string `json:"mode"`
}

// NodeInfo answers GET_INFO.
type NodeInfo struct {
	Model    string   `json:"model"`
	Firmware string   `json:"firmware"`
	Radios   []string `json:"radios"`
}
