// Package config loads channel attribute profiles from an INI file, one
// section per named profile, in the same ini.v1-backed style this
// codebase uses to parse EDS object dictionaries.
package config

import (
	"fmt"
	"strconv"

	"gopkg.in/ini.v1"

	"github.com/dtnwg/bplib"
)

var cipherNames = map[string]bplib.CipherSuite{
	"NONE":  bplib.CipherNone,
	"CRC16": bplib.CipherCRC16,
	"CRC32": bplib.CipherCRC32,
}

// Profiles maps a profile name (the INI section header) to the attribute
// set it describes.
type Profiles map[string]bplib.Attrs

// Load parses file (a path, []byte, or io.Reader, per ini.Load) into one
// Attrs value per section. Keys match bplib.AttrKey names; a key absent
// from a section falls back to bplib.DefaultAttrs() for that option.
func Load(file any) (Profiles, error) {
	cfg, err := ini.Load(file)
	if err != nil {
		return nil, err
	}

	profiles := make(Profiles)
	for _, section := range cfg.Sections() {
		if section.Name() == ini.DefaultSection {
			continue
		}
		attrs, err := parseSection(section)
		if err != nil {
			return nil, fmt.Errorf("config: section %q: %w", section.Name(), err)
		}
		profiles[section.Name()] = attrs
	}
	return profiles, nil
}

func parseSection(section *ini.Section) (bplib.Attrs, error) {
	attrs := bplib.DefaultAttrs()

	if key, ok := lookup(section, string(bplib.AttrLifetime)); ok {
		v, err := key.Uint()
		if err != nil {
			return attrs, err
		}
		attrs.Set(bplib.AttrLifetime, uint32(v))
	}
	if key, ok := lookup(section, string(bplib.AttrRequestCustody)); ok {
		v, err := key.Bool()
		if err != nil {
			return attrs, err
		}
		attrs.Set(bplib.AttrRequestCustody, v)
	}
	if key, ok := lookup(section, string(bplib.AttrAdminRecord)); ok {
		v, err := key.Bool()
		if err != nil {
			return attrs, err
		}
		attrs.Set(bplib.AttrAdminRecord, v)
	}
	if key, ok := lookup(section, string(bplib.AttrIntegrityCheck)); ok {
		v, err := key.Bool()
		if err != nil {
			return attrs, err
		}
		attrs.Set(bplib.AttrIntegrityCheck, v)
	}
	if key, ok := lookup(section, string(bplib.AttrAllowFragmentation)); ok {
		v, err := key.Bool()
		if err != nil {
			return attrs, err
		}
		attrs.Set(bplib.AttrAllowFragmentation, v)
	}
	if key, ok := lookup(section, string(bplib.AttrCipherSuite)); ok {
		cipher, ok := cipherNames[key.String()]
		if !ok {
			return attrs, fmt.Errorf("unrecognised %s %q", bplib.AttrCipherSuite, key.String())
		}
		attrs.Set(bplib.AttrCipherSuite, cipher)
	}
	if key, ok := lookup(section, string(bplib.AttrTimeout)); ok {
		v, err := key.Uint()
		if err != nil {
			return attrs, err
		}
		attrs.Set(bplib.AttrTimeout, uint32(v))
	}
	if key, ok := lookup(section, string(bplib.AttrMaxLength)); ok {
		v, err := strconv.ParseUint(key.String(), 10, 32)
		if err != nil {
			return attrs, err
		}
		attrs.Set(bplib.AttrMaxLength, uint32(v))
	}
	if key, ok := lookup(section, string(bplib.AttrCIDReuse)); ok {
		v, err := key.Bool()
		if err != nil {
			return attrs, err
		}
		attrs.Set(bplib.AttrCIDReuse, v)
	}
	if key, ok := lookup(section, string(bplib.AttrDACSRate)); ok {
		v, err := key.Uint()
		if err != nil {
			return attrs, err
		}
		attrs.Set(bplib.AttrDACSRate, uint32(v))
	}
	return attrs, nil
}

func lookup(section *ini.Section, name string) (*ini.Key, bool) {
	if !section.HasKey(name) {
		return nil, false
	}
	return section.Key(name), true
}
