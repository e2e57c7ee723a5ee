// Package models holds the values that flow through the upload pipeline.
package models

import (
	"crypto/rsa"
	"strings"
)

// Platform is the device operating system, detected from the request path.
type Platform string

const (
	PlatformAndroid Platform = "android"
	PlatformIOS     Platform = "ios"
)

// PlatformFromPath returns PlatformIOS for any path mentioning "ios"
// (case-insensitive) and PlatformAndroid otherwise.
func PlatformFromPath(path string) Platform {
	if strings.Contains(strings.ToLower(path), "ios") {
		return PlatformIOS
	}
	return PlatformAndroid
}

// UploadRequest is one device upload. It is built once by the HTTP layer and
// never mutated afterwards.
type UploadRequest struct {
	ParticipantID string
	StudyID       string
	FileName      string
	Payload       []byte
	Platform      Platform
}

// Participant is the result of resolving a patient_id.
type Participant struct {
	PatientID string `json:"patient_id"`
	StudyID   string `json:"study_id"`
	OSType    string `json:"os_type"`
	DeviceID  string `json:"device_id"`
}

// DeviceKeyMaterial is a participant's private decryption key.
type DeviceKeyMaterial struct {
	ParticipantID string
	StudyID       string
	PrivateKey    *rsa.PrivateKey
}
