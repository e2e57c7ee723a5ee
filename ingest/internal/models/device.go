package models

import (
	"log/slog"
	"net/url"
)

// NotProvided fills optional device fields that older apps do not send.
const NotProvided = "none"

// DeviceInfo is optional device metadata some app versions attach to
// requests.
type DeviceInfo struct {
	DeviceOS            string `json:"device_os"`
	OSVersion           string `json:"os_version"`
	Product             string `json:"product"`
	Brand               string `json:"brand"`
	HardwareID          string `json:"hardware_id"`
	Manufacturer        string `json:"manufacturer"`
	Model               string `json:"model"`
	AppVersion          string `json:"app_version"`
	BluetoothMACAddress string `json:"bluetooth_id"`
}

// ParseDeviceInfo never fails; absent or empty fields become NotProvided.
func ParseDeviceInfo(values url.Values) DeviceInfo {
	get := func(key string) string {
		if v := values.Get(key); v != "" {
			return v
		}
		return NotProvided
	}
	return DeviceInfo{
		DeviceOS:            get("device_os"),
		OSVersion:           get("os_version"),
		Product:             get("product"),
		Brand:               get("brand"),
		HardwareID:          get("hardware_id"),
		Manufacturer:        get("manufacturer"),
		Model:               get("model"),
		AppVersion:          get("app_version"),
		BluetoothMACAddress: get("bluetooth_id"),
	}
}

// LogValue keeps device metadata grouped in structured logs.
func (d DeviceInfo) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("os", d.DeviceOS),
		slog.String("os_version", d.OSVersion),
		slog.String("brand", d.Brand),
		slog.String("model", d.Model),
		slog.String("app_version", d.AppVersion),
	)
}
