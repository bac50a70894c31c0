package models

import (
	_ "embed"
	"fmt"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed publishers.yml
var publisherTable []byte

type publisherEntry struct {
	ID      uint16 `yaml:"id"`
	Dataset string `yaml:"dataset"`
	Venue   string `yaml:"venue"`
}

type publisherFile struct {
	Publishers []publisherEntry `yaml:"publishers"`
}

var (
	publishersOnce sync.Once
	publisherNames map[uint16]string
)

func loadPublishers() {
	var f publisherFile
	if err := yaml.Unmarshal(publisherTable, &f); err != nil {
		// The table is embedded at build time; a parse failure is a build
		// defect, not a runtime condition.
		panic(fmt.Sprintf("embedded publisher table: %v", err))
	}
	publisherNames = make(map[uint16]string, len(f.Publishers))
	for _, p := range f.Publishers {
		publisherNames[p.ID] = fmt.Sprintf("%s.MBO.%s", p.Dataset, p.Venue)
	}
}

// PublisherName returns the DATASET.SCHEMA.VENUE label for a publisher ID.
// Unknown IDs render a placeholder rather than failing.
func PublisherName(id uint16) string {
	publishersOnce.Do(loadPublishers)
	if name, ok := publisherNames[id]; ok {
		return name
	}
	return fmt.Sprintf("Unknown Publisher (%d)", id)
}
