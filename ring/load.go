// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

package ring

import (
	"bytes"
	"os"

	"gopkg.in/yaml.v3"
)

// File is the serialized form of a ring.
type File struct {
	Version     uint64   `yaml:"version"`
	PartPower   uint     `yaml:"part_power"`
	Policy      Policy   `yaml:"policy"`
	Devices     []Device `yaml:"devices"`
	Assignments [][]int  `yaml:"assignments"`
}

// Load reads and validates a ring file.
func Load(path string) (*Ring, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return Parse(data)
}

// Parse decodes and validates a ring from YAML.
func Parse(data []byte) (*Ring, error) {
	var file File
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&file); err != nil {
		return nil, Error.New("invalid ring file: %v", err)
	}
	return New(file.Version, file.Policy, file.PartPower, file.Devices, file.Assignments)
}

// Marshal encodes the ring in the format understood by Parse.
func (ring *Ring) Marshal() ([]byte, error) {
	file := File{
		Version:     ring.version,
		PartPower:   ring.partPower,
		Policy:      ring.policy,
		Devices:     ring.Devices(),
		Assignments: ring.assignments,
	}
	data, err := yaml.Marshal(&file)
	return data, Error.Wrap(err)
}

// Save writes the ring to path, replacing it atomically.
func (ring *Ring) Save(path string) (err error) {
	data, err := ring.Marshal()
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return Error.Wrap(err)
	}
	return Error.Wrap(os.Rename(tmp, path))
}
