// Package device describes this reader to the desktop peer: a stable
// store identifier derived from the network hardware address, and the
// capability descriptors exchanged during session initialization.
package device

import (
	"encoding/json"
	"fmt"
	"net"

	"github.com/sirupsen/logrus"
)

// Version is the firmware version reported to the peer.
const Version = "1.2.0"

// DefaultName is the device name used when none is configured.
const DefaultName = "CrossPoint"

// ccVersionNumber is the Calibre Companion protocol version this
// engine claims. 212 matches CC 5.4.20+; claiming a known-compatible
// version keeps the desktop's feature detection on a tested path.
const ccVersionNumber = 212

// StoreUUID returns a UUID-shaped identifier derived from the primary
// network hardware address. It is deliberately not random: the same
// device must present the same identifier across sessions so the
// desktop recognizes it.
func StoreUUID() string {
	mac := hardwareAddress()
	return fmt.Sprintf("%02x%02x%02x%02x-%02x%02x-4000-8000-%02x%02x%02x%02x%02x%02x",
		mac[0], mac[1], mac[2], mac[3], mac[4], mac[5],
		mac[0], mac[1], mac[2], mac[3], mac[4], mac[5])
}

// hardwareAddress picks the first non-loopback interface with a MAC.
// A zero address is returned when none is available, keeping the UUID
// well-formed (if not unique) on oddly configured hosts.
func hardwareAddress() [6]byte {
	var mac [6]byte
	ifaces, err := net.Interfaces()
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "hardwareAddress",
			"error":    err.Error(),
		}).Warn("Cannot enumerate interfaces, using zero MAC")
		return mac
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 || len(iface.HardwareAddr) < 6 {
			continue
		}
		copy(mac[:], iface.HardwareAddr[:6])
		return mac
	}
	return mac
}

// InitializationInfo is the capability descriptor answering
// GET_INITIALIZATION_INFO. Field presence and values must match what
// calibre's smart device driver expects from a companion device.
type InitializationInfo struct {
	AppName                 string         `json:"appName"`
	AcceptedExtensions      []string       `json:"acceptedExtensions"`
	CacheUsesLpaths         bool           `json:"cacheUsesLpaths"`
	CanAcceptLibraryInfo    bool           `json:"canAcceptLibraryInfo"`
	CanDeleteMultipleBooks  bool           `json:"canDeleteMultipleBooks"`
	CanReceiveBookBinary    bool           `json:"canReceiveBookBinary"`
	CanSendOkToSendbook     bool           `json:"canSendOkToSendbook"`
	CanStreamBooks          bool           `json:"canStreamBooks"`
	CanStreamMetadata       bool           `json:"canStreamMetadata"`
	CanUseCachedMetadata    bool           `json:"canUseCachedMetadata"`
	CCVersionNumber         int            `json:"ccVersionNumber"`
	CoverHeight             int            `json:"coverHeight"`
	DeviceKind              string         `json:"deviceKind"`
	DeviceName              string         `json:"deviceName"`
	ExtensionPathLengths    map[string]int `json:"extensionPathLengths"`
	MaxBookContentPacketLen int            `json:"maxBookContentPacketLen"`
	PasswordHash            string         `json:"passwordHash"`
	UseUuidFileNames        bool           `json:"useUuidFileNames"`
	VersionOK               bool           `json:"versionOK"`
}

// NewInitializationInfo builds the descriptor for the given device
// name. Only epub is accepted; covers are declared but never stored.
func NewInitializationInfo(name string) InitializationInfo {
	if name == "" {
		name = DefaultName
	}
	return InitializationInfo{
		AppName:                 name,
		AcceptedExtensions:      []string{"epub"},
		CacheUsesLpaths:         true,
		CanAcceptLibraryInfo:    true,
		CanDeleteMultipleBooks:  true,
		CanReceiveBookBinary:    true,
		CanSendOkToSendbook:     true,
		CanStreamBooks:          true,
		CanStreamMetadata:       true,
		CanUseCachedMetadata:    true,
		CCVersionNumber:         ccVersionNumber,
		CoverHeight:             800,
		DeviceKind:              name,
		DeviceName:              name,
		ExtensionPathLengths:    map[string]int{"epub": 37},
		MaxBookContentPacketLen: 4096,
		UseUuidFileNames:        false,
		VersionOK:               true,
	}
}

// Payload renders the descriptor as envelope payload text.
func (i InitializationInfo) Payload() string {
	return marshalPayload(i)
}

// deviceInformation answers GET_DEVICE_INFORMATION.
type deviceInformation struct {
	DeviceInfo    deviceInfoBlock `json:"device_info"`
	Version       int             `json:"version"`
	DeviceVersion string          `json:"device_version"`
}

type deviceInfoBlock struct {
	DeviceStoreUUID string `json:"device_store_uuid"`
	DeviceName      string `json:"device_name"`
	DeviceVersion   string `json:"device_version"`
}

// InformationPayload renders the identity block for the given name.
func InformationPayload(name string) string {
	if name == "" {
		name = DefaultName
	}
	return marshalPayload(deviceInformation{
		DeviceInfo: deviceInfoBlock{
			DeviceStoreUUID: StoreUUID(),
			DeviceName:      name + " Reader",
			DeviceVersion:   Version,
		},
		Version:       1,
		DeviceVersion: Version,
	})
}

// FreeSpacePayload renders the FREE_SPACE / TOTAL_SPACE answer.
func FreeSpacePayload(freeBytes uint64) string {
	return marshalPayload(struct {
		FreeSpaceOnDevice uint64 `json:"free_space_on_device"`
	}{freeBytes})
}

// BookCountPayload reports an empty catalog: the device keeps no book
// list, streams rather than scans, and leaves duplicate detection to
// the sender.
func BookCountPayload() string {
	return marshalPayload(struct {
		Count      int  `json:"count"`
		WillStream bool `json:"willStream"`
		WillScan   bool `json:"willScan"`
	}{0, true, false})
}

// ErrorPayload renders a protocol error message.
func ErrorPayload(message string) string {
	return marshalPayload(struct {
		Message string `json:"message"`
	}{message})
}

// marshalPayload never fails for the closed set of types above; a
// marshal error would be a programming bug and falls back to an empty
// object so the wire stays well-formed.
func marshalPayload(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "marshalPayload",
			"error":    err.Error(),
		}).Error("Payload marshal failed")
		return "{}"
	}
	return string(data)
}
