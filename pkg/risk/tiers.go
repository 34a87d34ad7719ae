// Copyright 2026 © The Noesis Authors
// SPDX-License-Identifier: Apache-2.0

package risk

import (
	"fmt"
	"os"
	"path"

	"gopkg.in/yaml.v3"

	"github.com/noesis-ai/noesis/pkg/errors"
	"github.com/noesis-ai/noesis/pkg/tools"
)

// TierTable holds operator-supplied tier overrides. Exact names win over glob
// patterns; the first matching pattern in declaration order wins after that.
type TierTable struct {
	exact    map[string]tools.Tier
	patterns []patternTier
}

type patternTier struct {
	pattern string
	tier    tools.Tier
}

type tierTableFile struct {
	Tiers []tierEntry `yaml:"tiers"`
}

type tierEntry struct {
	Tool string `yaml:"tool"`
	Tier string `yaml:"tier"`
}

// LoadTierTable reads an override table from a YAML file. Entries look like:
//
//	tiers:
//	  - tool: file_delete
//	    tier: critical
//	  - tool: "db_*"
//	    tier: high
func LoadTierTable(filePath string) (*TierTable, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, errors.New(errors.CodeNotFound, fmt.Sprintf("read tier table %s", filePath), err)
	}
	return ParseTierTable(data)
}

// ParseTierTable parses YAML tier overrides.
func ParseTierTable(data []byte) (*TierTable, error) {
	var file tierTableFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, errors.New(errors.CodeInvalidInput, "parse tier table", err)
	}

	table := &TierTable{exact: make(map[string]tools.Tier)}
	for i, entry := range file.Tiers {
		if entry.Tool == "" {
			return nil, errors.New(errors.CodeInvalidInput,
				fmt.Sprintf("tier table entry %d has no tool name", i), nil)
		}
		tier, ok := tools.ParseTierStrict(entry.Tier)
		if !ok {
			return nil, errors.New(errors.CodeInvalidInput,
				fmt.Sprintf("tier table entry %q has unknown tier %q", entry.Tool, entry.Tier), nil)
		}
		if isGlob(entry.Tool) {
			table.patterns = append(table.patterns, patternTier{pattern: entry.Tool, tier: tier})
		} else {
			table.exact[entry.Tool] = tier
		}
	}
	return table, nil
}

// TierFor resolves a tool name against the table.
func (t *TierTable) TierFor(toolName string) (tools.Tier, bool) {
	if tier, ok := t.exact[toolName]; ok {
		return tier, true
	}
	for _, p := range t.patterns {
		if ok, err := path.Match(p.pattern, toolName); err == nil && ok {
			return p.tier, true
		}
	}
	return "", false
}

// Len reports how many entries the table holds.
func (t *TierTable) Len() int {
	return len(t.exact) + len(t.patterns)
}

func isGlob(s string) bool {
	for _, r := range s {
		switch r {
		case '*', '?', '[':
			return true
		}
	}
	return false
}
