package geoip

import (
	"fmt"
	"net"

	"github.com/oschwald/geoip2-golang"
)

// Service answers country-of-IP questions from a local MaxMind database.
// The database file is read-only input; a nil *Service is a valid lookup
// target that reports every IP as unknown.
type Service struct {
	db *geoip2.Reader
}

func New(dbPath string) (*Service, error) {
	db, err := geoip2.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open geoip db: %w", err)
	}
	return &Service{db: db}, nil
}

func (s *Service) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// CountryCode returns the ISO country code for ipStr, or "" when the IP is
// invalid, unknown, or no database is loaded.
func (s *Service) CountryCode(ipStr string) string {
	code, _ := s.Lookup(ipStr)
	return code
}

// Lookup returns the ISO country code and English country name.
func (s *Service) Lookup(ipStr string) (string, string) {
	if s == nil || s.db == nil {
		return "", ""
	}
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return "", ""
	}
	record, err := s.db.Country(ip)
	if err != nil {
		return "", ""
	}
	return record.Country.IsoCode, record.Country.Names["en"]
}
