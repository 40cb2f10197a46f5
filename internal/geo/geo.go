// Copyright 2020 Herman Slatman
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// 	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package geo resolves client IPs to ISO country codes for the
// country-scoped remediation lookup, backed by a memory-mapped MaxMind
// database opened once per process and shared read-only across
// goroutines.
package geo

import (
	"net"

	"github.com/oschwald/geoip2-golang"
)

// Collaborator looks up the country an IP belongs to.
type Collaborator struct {
	reader *geoip2.Reader
}

// Open memory-maps the MaxMind GeoLite2/GeoIP2 Country database at path.
func Open(path string) (*Collaborator, error) {
	reader, err := geoip2.Open(path)
	if err != nil {
		return nil, err
	}
	return &Collaborator{reader: reader}, nil
}

// Close releases the memory-mapped database.
func (c *Collaborator) Close() error {
	return c.reader.Close()
}

// Lookup returns the ISO 3166-1 alpha-2 country code for ip, and false if
// the database has no entry (private/reserved ranges, unmapped space).
func (c *Collaborator) Lookup(ip net.IP) (string, bool) {
	record, err := c.reader.Country(ip)
	if err != nil || record.Country.IsoCode == "" {
		return "", false
	}
	return record.Country.IsoCode, true
}
