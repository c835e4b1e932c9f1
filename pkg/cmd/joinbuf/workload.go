// Copyright 2026 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/joinbuf/pkg/sql/joinbuf"
	"github.com/cockroachdb/joinbuf/pkg/sql/joinbuf/jbtypes"
	"gopkg.in/yaml.v3"
)

// workload describes a synthetic two-table join.
type workload struct {
	Name     string         `yaml:"name" toml:"name"`
	Strategy string         `yaml:"strategy" toml:"strategy"`
	JoinType string         `yaml:"join_type" toml:"join_type"`
	Storage  string         `yaml:"storage" toml:"storage"`
	Config   joinbuf.Config `yaml:"config" toml:"config"`
	Outer    tableDef       `yaml:"outer" toml:"outer"`
	Inner    tableDef       `yaml:"inner" toml:"inner"`
	// Key and InnerKey are column ordinals of the outer and inner tables.
	Key      []int `yaml:"key" toml:"key"`
	InnerKey []int `yaml:"inner_key" toml:"inner_key"`
}

type tableDef struct {
	Name string      `yaml:"name" toml:"name"`
	Cols []columnDef `yaml:"cols" toml:"cols"`
	Rows int         `yaml:"rows" toml:"rows"`
	// DistinctKeys is the number of distinct values of every column.
	DistinctKeys int `yaml:"distinct_keys" toml:"distinct_keys"`
}

type columnDef struct {
	Name     string `yaml:"name" toml:"name"`
	Type     string `yaml:"type" toml:"type"`
	MaxLen   int    `yaml:"max_len" toml:"max_len"`
	Nullable bool   `yaml:"nullable" toml:"nullable"`
}

func loadWorkload(path string) (*workload, error) {
	w := &workload{
		Strategy: joinbuf.KeyedDeduped.String(),
		JoinType: joinbuf.InnerJoin.String(),
		Storage:  "memory",
		Config:   joinbuf.DefaultConfig(),
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		_, err = toml.Decode(string(data), w)
	default:
		err = yaml.Unmarshal(data, w)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "parsing workload %s", path)
	}
	return w, nil
}

func (t *tableDef) spec() (jbtypes.TableSpec, error) {
	spec := jbtypes.TableSpec{Name: t.Name}
	for _, c := range t.Cols {
		typ, ok := jbtypes.ParseFieldType(c.Type)
		if !ok {
			return spec, errors.Newf("column %q: unknown type %q", c.Name, c.Type)
		}
		spec.Cols = append(spec.Cols, jbtypes.ColumnSpec{
			Name: c.Name, Type: typ, MaxLen: c.MaxLen, Nullable: c.Nullable,
		})
	}
	return spec, nil
}

// row generates the i-th row of the table. Column values cycle through
// DistinctKeys values; every seventh value of a nullable column is NULL.
func (t *tableDef) row(spec jbtypes.TableSpec, i int) jbtypes.TableRow {
	row := jbtypes.MakeTableRow(len(spec.Cols))
	distinct := t.DistinctKeys
	if distinct <= 0 {
		distinct = t.Rows
	}
	for j, c := range spec.Cols {
		k := i % distinct
		if c.Nullable && k%7 == 6 {
			row.Nulls[j] = true
			continue
		}
		v := fmt.Sprintf("%0*d", min(c.MaxLen, 8), k)
		if c.Type == jbtypes.Blob || c.Type == jbtypes.VarLong {
			v = strings.Repeat(v, max(1, c.MaxLen/len(v)/2))
		}
		if len(v) > c.MaxLen {
			v = v[len(v)-c.MaxLen:]
		}
		row.Vals[j] = []byte(v)
	}
	return row
}
