package store

import (
	"crypto/rand"
	"math/big"
	"net"
	"strings"
	"time"
)

// Service statuses
const (
	ServiceStatusActive   = "active"
	ServiceStatusInactive = "inactive"
)

// Tracker kinds recorded on hits
const (
	TrackerPixel  = "pixel"
	TrackerScript = "script"
)

// Service represents a tracked website or application
type Service struct {
	ID                uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	TrackingID        string    `gorm:"uniqueIndex;not null" json:"tracking_id"`
	Name              string    `gorm:"not null" json:"name"`
	Link              string    `json:"link"`
	Origins           string    `gorm:"default:'*'" json:"origins"` // Comma-separated allowed origins, or "*"
	Status            string    `gorm:"default:'active'" json:"status"`
	RespectDNT        bool      `gorm:"default:true" json:"respect_dnt"`
	IgnoreRobots      bool      `gorm:"default:true" json:"ignore_robots"`
	CollectIPs        bool      `gorm:"default:true" json:"collect_ips"`
	AggressiveSalting bool      `gorm:"default:false" json:"aggressive_salting"`
	IgnoredIPs        string    `json:"ignored_ips"` // Comma-separated IPs or CIDR ranges
	HideReferrerRegex string    `json:"hide_referrer_regex"`
	ScriptInject      string    `json:"script_inject"`
	CreatedAt         time.Time `json:"created_at"`

	Sessions []Session `gorm:"constraint:OnDelete:CASCADE" json:"-"`
	Hits     []Hit     `gorm:"constraint:OnDelete:CASCADE" json:"-"`
}

// IsActive reports whether the service accepts beacons.
func (s *Service) IsActive() bool {
	return s.Status == ServiceStatusActive
}

// OriginsList returns the configured origins, lowercased and trimmed.
// A single "*" entry allows every origin.
func (s *Service) OriginsList() []string {
	if s.Origins == "*" {
		return []string{"*"}
	}
	parts := strings.Split(s.Origins, ",")
	origins := make([]string, 0, len(parts))
	for _, p := range parts {
		origins = append(origins, strings.ToLower(strings.TrimSpace(p)))
	}
	return origins
}

// IsOriginAllowed reports whether origin matches the service's origin list.
func (s *Service) IsOriginAllowed(origin string) bool {
	if s.Origins == "*" {
		return true
	}
	origin = strings.ToLower(origin)
	for _, o := range s.OriginsList() {
		if o == origin {
			return true
		}
	}
	return false
}

// IgnoredNetworks parses the service's ignore list into networks. Entries may
// be CIDR ranges or bare IPs; malformed entries are skipped.
func (s *Service) IgnoredNetworks() []*net.IPNet {
	if strings.TrimSpace(s.IgnoredIPs) == "" {
		return nil
	}
	var networks []*net.IPNet
	for _, entry := range strings.Split(s.IgnoredIPs, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if _, network, err := net.ParseCIDR(entry); err == nil {
			networks = append(networks, network)
			continue
		}
		if ip := net.ParseIP(entry); ip != nil {
			bits := 32
			if ip.To4() == nil {
				bits = 128
			}
			networks = append(networks, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
		}
	}
	return networks
}

const trackingIDCharset = "abcdefghijklmnopqrstuvwxyz0123456789"

// TrackingIDLength is the length of generated tracking IDs.
const TrackingIDLength = 8

// NewTrackingID generates a random lowercase alphanumeric tracking ID.
func NewTrackingID() string {
	var b strings.Builder
	b.Grow(TrackingIDLength)
	max := big.NewInt(int64(len(trackingIDCharset)))
	for i := 0; i < TrackingIDLength; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			// crypto/rand never fails on supported platforms
			panic(err)
		}
		b.WriteByte(trackingIDCharset[n.Int64()])
	}
	return b.String()
}

// Session represents a deduplicated visitor of a service. There is at most
// one session per (service, signature) pair; the composite unique index is
// the backstop beneath the in-memory single-flight cache.
type Session struct {
	ID         uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	ServiceID  uint      `gorm:"not null;uniqueIndex:idx_sessions_service_signature" json:"service_id"`
	Signature  string    `gorm:"not null;uniqueIndex:idx_sessions_service_signature" json:"-"`
	Identifier string    `json:"identifier"`
	StartTime  time.Time `gorm:"index" json:"start_time"`
	LastSeen   time.Time `gorm:"index" json:"last_seen"`
	UserAgent  string    `json:"user_agent"`
	Browser    string    `json:"browser"`
	Device     string    `json:"device"`
	DeviceType string    `json:"device_type"`
	OS         string    `json:"os"`
	IP         string    `json:"ip,omitempty"`
	Country    string    `json:"country"`
	TimeZone   string    `json:"time_zone"`
	ASN        string    `json:"asn"`
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	IsBounce   bool      `gorm:"default:true" json:"is_bounce"`

	Hits []Hit `gorm:"constraint:OnDelete:CASCADE" json:"-"`
}

// Hit represents one page view within a session. Heartbeats start at zero
// and only ever increase; LoadTime is written at most once.
type Hit struct {
	ID          uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	SessionID   uint      `gorm:"not null;index" json:"session_id"`
	ServiceID   uint      `gorm:"not null;index" json:"service_id"`
	Idempotency string    `json:"-"`
	Initial     bool      `json:"initial"`
	StartTime   time.Time `gorm:"index" json:"start_time"`
	LastSeen    time.Time `json:"last_seen"`
	Heartbeats  int       `gorm:"default:0" json:"heartbeats"`
	Tracker     string    `json:"tracker"`
	Location    string    `json:"location"`
	Referrer    string    `json:"referrer"`
	LoadTime    *float64  `json:"load_time,omitempty"`
}

// AllModels returns every model for migrations.
func AllModels() []interface{} {
	return []interface{}{&Service{}, &Session{}, &Hit{}}
}
