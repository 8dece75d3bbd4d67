package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	sources "airsense-cloud/internal/sources/domain"
)

// catalogEntry mirrors one source definition in the YAML catalog.
type catalogEntry struct {
	ID                  string            `yaml:"id"`
	Name                string            `yaml:"name"`
	Kind                string            `yaml:"kind"`
	Endpoint            string            `yaml:"endpoint"`
	Topic               string            `yaml:"topic"`
	Credentials         string            `yaml:"credentials"`
	MetadataURL         string            `yaml:"metadata_url"`
	PollIntervalMinutes int               `yaml:"poll_interval_minutes"`
	Canonical           bool              `yaml:"canonical"`
	FieldMappings       map[string]string `yaml:"field_mappings"`
	Headers             map[string]string `yaml:"headers"`
	StationID           string            `yaml:"station_id"`
	Latitude            float64           `yaml:"latitude"`
	Longitude           float64           `yaml:"longitude"`
}

type catalogFile struct {
	Sources []catalogEntry `yaml:"sources"`
}

// LoadCatalog reads the source catalog. Every entry is validated; a broken
// catalog refuses to load rather than seeding partially.
func LoadCatalog(path string) ([]sources.Source, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("catalog: read %s: %w", path, err)
	}
	return ParseCatalog(data)
}

// ParseCatalog parses catalog YAML.
func ParseCatalog(data []byte) ([]sources.Source, error) {
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("catalog: parse: %w", err)
	}

	out := make([]sources.Source, 0, len(file.Sources))
	for i, entry := range file.Sources {
		source := sources.Source{
			ID:                  entry.ID,
			Name:                entry.Name,
			Kind:                entry.Kind,
			Endpoint:            entry.Endpoint,
			Topic:               entry.Topic,
			Credentials:         entry.Credentials,
			MetadataURL:         entry.MetadataURL,
			PollIntervalMinutes: entry.PollIntervalMinutes,
			Canonical:           entry.Canonical,
			FieldMappings:       entry.FieldMappings,
			Headers:             entry.Headers,
			StationID:           entry.StationID,
			Latitude:            entry.Latitude,
			Longitude:           entry.Longitude,
			Active:              true,
		}
		if err := source.Validate(); err != nil {
			return nil, fmt.Errorf("catalog: entry %d (%s): %w", i, entry.ID, err)
		}
		out = append(out, source)
	}
	return out, nil
}
