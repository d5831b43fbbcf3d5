// Package geoip wraps the optional GeoLite2 database. When no database is
// configured the lookups degrade to empty results.
package geoip

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"

	"github.com/oschwald/geoip2-golang"
	"github.com/pariz/gountries"

	"pagetrace/internal/config"
)

var (
	geoDB     *geoip2.Reader
	once      sync.Once
	mu        sync.RWMutex
	logger    *slog.Logger
	countries = gountries.New()
)

// Location is the geo classification of a client IP.
type Location struct {
	CountryCode string
	CountryName string
	TimeZone    string
	ASN         string
	Latitude    float64
	Longitude   float64
}

// InitLogger sets the logger for the geoip package.
func InitLogger(l *slog.Logger) {
	logger = l
}

// InitGeoDB opens the GeoLite2 database. Returns nil if the database is not
// configured or not found (GeoIP is optional).
func InitGeoDB() *geoip2.Reader {
	cfg := config.GetConfig()
	if cfg.GeoDBPath == "" {
		if logger != nil {
			logger.Debug("GeoIP database path not configured - geo lookups disabled")
		}
		return nil
	}

	if _, err := os.Stat(cfg.GeoDBPath); os.IsNotExist(err) {
		if logger != nil {
			logger.Info("GeoLite2 database not found - geo lookups disabled",
				slog.String("path", cfg.GeoDBPath),
				slog.String("hint", "Download from https://www.maxmind.com/en/geolite2/signup"))
		}
		return nil
	} else if err != nil {
		if logger != nil {
			logger.Warn("Error checking GeoLite2 database file",
				slog.String("path", cfg.GeoDBPath),
				slog.Any("error", err))
		}
		return nil
	}

	db, err := geoip2.Open(cfg.GeoDBPath)
	if err != nil {
		if logger != nil {
			logger.Error("Failed to open GeoLite2 database",
				slog.String("path", cfg.GeoDBPath),
				slog.Any("error", err))
		}
		return nil
	}

	if logger != nil {
		logger.Info("GeoLite2 database initialized",
			slog.String("path", cfg.GeoDBPath))
	}
	return db
}

// GetGeoDB returns the GeoLite2 database reader, initializing it if necessary.
func GetGeoDB() *geoip2.Reader {
	once.Do(func() {
		mu.Lock()
		geoDB = InitGeoDB()
		mu.Unlock()
	})
	mu.RLock()
	defer mu.RUnlock()
	return geoDB
}

// ReloadGeoDB reloads the GeoLite2 database from disk.
// Call this after downloading a new database file.
func ReloadGeoDB() {
	mu.Lock()
	defer mu.Unlock()

	if geoDB != nil {
		geoDB.Close()
	}
	geoDB = InitGeoDB()

	if geoDB != nil && logger != nil {
		logger.Info("GeoLite2 database reloaded")
	}
}

// Lookup resolves an IP to a country and time zone. Returns an empty
// Location when the database is unavailable or the IP is unknown.
func Lookup(ipStr string) Location {
	db := GetGeoDB()
	if db == nil || ipStr == "" {
		return Location{}
	}

	ip := net.ParseIP(ipStr)
	if ip == nil {
		return Location{}
	}

	city, err := db.City(ip)
	if err != nil {
		if logger != nil {
			logger.Debug("GeoIP lookup failed", slog.String("ip", ipStr), slog.Any("error", err))
		}
		return Location{}
	}

	loc := Location{
		CountryCode: city.Country.IsoCode,
		TimeZone:    city.Location.TimeZone,
		Latitude:    city.Location.Latitude,
		Longitude:   city.Location.Longitude,
	}
	loc.CountryName = CountryName(loc.CountryCode)

	// ASN records are only present in databases that include them; a
	// city-only database simply leaves the field empty.
	if asn, err := db.ASN(ip); err == nil && asn.AutonomousSystemNumber != 0 {
		loc.ASN = fmt.Sprintf("AS%d %s", asn.AutonomousSystemNumber, asn.AutonomousSystemOrganization)
	}
	return loc
}

// CountryName maps an ISO alpha-2 code to its common display name, falling
// back to the code itself.
func CountryName(isoCode string) string {
	if isoCode == "" {
		return ""
	}
	country, err := countries.FindCountryByAlpha(isoCode)
	if err != nil {
		return isoCode
	}
	return country.Name.Common
}
