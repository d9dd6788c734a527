package testutils

import (
	"encoding/json"
	"fmt"
	"strings"

	blelib "github.com/go-ble/ble"
	"github.com/srg/espsense/internal/protocol"
)

// CharacteristicConfig describes one mocked GATT characteristic
type CharacteristicConfig struct {
	UUID       string `json:"uuid"`
	Properties string `json:"properties,omitempty"` // e.g. "read,write"
	Value      []byte `json:"value,omitempty"`
}

// ServiceConfig describes one mocked GATT service
type ServiceConfig struct {
	UUID            string                 `json:"uuid"`
	Characteristics []CharacteristicConfig `json:"characteristics,omitempty"`
}

// ProfileConfig is the complete mocked GATT database
type ProfileConfig struct {
	Services []ServiceConfig `json:"services"`
}

// ProfileBuilder builds the *ble.Profile a mocked go-ble client returns from
// DiscoverProfile.
type ProfileBuilder struct {
	config ProfileConfig
}

func NewProfileBuilder() *ProfileBuilder {
	return &ProfileBuilder{}
}

// NewSensorProfileBuilder starts from the reference firmware layout: one
// service with the control, temperature and humidity characteristics.
func NewSensorProfileBuilder(p protocol.Profile) *ProfileBuilder {
	return NewProfileBuilder().
		WithService(p.Service).
		WithCharacteristic(p.Control, "write", nil).
		WithCharacteristic(p.Temperature, "read", nil).
		WithCharacteristic(p.Humidity, "read", nil)
}

// WithService adds a service; following characteristics belong to it.
func (b *ProfileBuilder) WithService(uuid string) *ProfileBuilder {
	b.config.Services = append(b.config.Services, ServiceConfig{UUID: uuid})
	return b
}

// WithCharacteristic adds a characteristic to the last added service
func (b *ProfileBuilder) WithCharacteristic(uuid, properties string, value []byte) *ProfileBuilder {
	if len(b.config.Services) == 0 {
		panic("WithCharacteristic: no service added yet, call WithService first")
	}
	last := &b.config.Services[len(b.config.Services)-1]
	last.Characteristics = append(last.Characteristics, CharacteristicConfig{
		UUID:       uuid,
		Properties: properties,
		Value:      value,
	})
	return b
}

// FromJSON replaces the profile with a JSON document
func (b *ProfileBuilder) FromJSON(jsonStrFmt string, args ...interface{}) *ProfileBuilder {
	var cfg ProfileConfig
	if err := json.Unmarshal([]byte(fmt.Sprintf(jsonStrFmt, args...)), &cfg); err != nil {
		panic(fmt.Sprintf("ProfileBuilder.FromJSON: failed to unmarshal: %v", err))
	}
	b.config = cfg
	return b
}

// Build returns the go-ble profile. Lookups by UUID on the result (Find)
// return the very characteristic pointers used in mock expectations.
func (b *ProfileBuilder) Build() *blelib.Profile {
	profile := &blelib.Profile{}
	for _, svcCfg := range b.config.Services {
		svc := &blelib.Service{UUID: blelib.MustParse(svcCfg.UUID)}
		for _, cCfg := range svcCfg.Characteristics {
			svc.Characteristics = append(svc.Characteristics, &blelib.Characteristic{
				UUID:     blelib.MustParse(cCfg.UUID),
				Property: parseProperties(cCfg.Properties),
				Value:    cCfg.Value,
			})
		}
		profile.Services = append(profile.Services, svc)
	}
	return profile
}

// FindCharacteristic returns the characteristic with the given UUID in p.
func FindCharacteristic(p *blelib.Profile, uuid string) *blelib.Characteristic {
	want := blelib.MustParse(uuid)
	for _, svc := range p.Services {
		for _, c := range svc.Characteristics {
			if c.UUID.Equal(want) {
				return c
			}
		}
	}
	panic(fmt.Sprintf("FindCharacteristic: %s not in profile", uuid))
}

// parseProperties converts "read,write,notify" to ble.Property flags.
// An empty string means read and write.
func parseProperties(props string) blelib.Property {
	if props == "" {
		return blelib.CharRead | blelib.CharWrite
	}
	var p blelib.Property
	for _, name := range strings.Split(props, ",") {
		switch strings.TrimSpace(name) {
		case "read":
			p |= blelib.CharRead
		case "write":
			p |= blelib.CharWrite
		case "write-no-rsp":
			p |= blelib.CharWriteNR
		case "notify":
			p |= blelib.CharNotify
		}
	}
	return p
}
