package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Sentinel-Gate/Quotagate/internal/domain/ratelimit"
)

// quotaFile is one quota as written in a tiers file: limit per window.
type quotaFile struct {
	Limit  int    `yaml:"limit"`
	Window string `yaml:"window"`
}

type endpointQuotasFile struct {
	Default   quotaFile            `yaml:"default"`
	Endpoints map[string]quotaFile `yaml:"endpoints,omitempty"`
}

type actorQuotasFile struct {
	Tier               string `yaml:"tier"`
	Role               string `yaml:"role"`
	endpointQuotasFile `yaml:",inline"`
}

// tiersFile is the on-disk shape of a TierTable.
type tiersFile struct {
	Tiers     []string                      `yaml:"tiers"`
	Roles     []string                      `yaml:"roles"`
	Endpoints []string                      `yaml:"endpoints"`
	Actor     []actorQuotasFile             `yaml:"actor"`
	Group     map[string]endpointQuotasFile `yaml:"group"`
	Fallback  endpointQuotasFile            `yaml:"fallback"`
}

// LoadTierTable reads and validates a tiers file.
func LoadTierTable(path string) (*ratelimit.TierTable, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open tiers file: %w", err)
	}
	defer f.Close()

	table, err := DecodeTierTable(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return table, nil
}

// DecodeTierTable parses a tiers document. Unknown fields are rejected.
func DecodeTierTable(r io.Reader) (*ratelimit.TierTable, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var tf tiersFile
	if err := dec.Decode(&tf); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: empty document", ratelimit.ErrInvalidTierTable)
		}
		return nil, fmt.Errorf("failed to parse tiers: %w", err)
	}

	table := &ratelimit.TierTable{
		Tiers:     tf.Tiers,
		Roles:     tf.Roles,
		Endpoints: tf.Endpoints,
		Actor:     make(map[ratelimit.TierRole]ratelimit.EndpointQuotas, len(tf.Actor)),
		Group:     make(map[string]ratelimit.EndpointQuotas, len(tf.Group)),
	}

	var err error
	for i, a := range tf.Actor {
		key := ratelimit.TierRole{Tier: a.Tier, Role: a.Role}
		if _, dup := table.Actor[key]; dup {
			return nil, fmt.Errorf("%w: actor[%d]: duplicate entry for %s/%s", ratelimit.ErrInvalidTierTable, i, a.Tier, a.Role)
		}
		if table.Actor[key], err = a.toDomain(); err != nil {
			return nil, fmt.Errorf("actor[%d] %s/%s: %w", i, a.Tier, a.Role, err)
		}
	}
	for tier, g := range tf.Group {
		if table.Group[tier], err = g.toDomain(); err != nil {
			return nil, fmt.Errorf("group %s: %w", tier, err)
		}
	}
	if table.Fallback, err = tf.Fallback.toDomain(); err != nil {
		return nil, fmt.Errorf("fallback: %w", err)
	}

	if err := table.Validate(); err != nil {
		return nil, err
	}
	return table, nil
}

func (e endpointQuotasFile) toDomain() (ratelimit.EndpointQuotas, error) {
	def, err := e.Default.toDomain()
	if err != nil {
		return ratelimit.EndpointQuotas{}, fmt.Errorf("default: %w", err)
	}
	out := ratelimit.EndpointQuotas{Default: def}
	if len(e.Endpoints) > 0 {
		out.Endpoints = make(map[string]ratelimit.Quota, len(e.Endpoints))
		for name, q := range e.Endpoints {
			if out.Endpoints[name], err = q.toDomain(); err != nil {
				return ratelimit.EndpointQuotas{}, fmt.Errorf("endpoint %s: %w", name, err)
			}
		}
	}
	return out, nil
}

func (q quotaFile) toDomain() (ratelimit.Quota, error) {
	w, err := time.ParseDuration(q.Window)
	if err != nil {
		return ratelimit.Quota{}, fmt.Errorf("%w: window %q: %w", ratelimit.ErrInvalidTierTable, q.Window, err)
	}
	return ratelimit.Quota{Limit: q.Limit, Window: w}, nil
}

// EncodeTierTable writes t in the tiers file format, with deterministic ordering.
func EncodeTierTable(w io.Writer, t *ratelimit.TierTable) error {
	tf := tiersFile{
		Tiers:     t.Tiers,
		Roles:     t.Roles,
		Endpoints: t.Endpoints,
		Group:     make(map[string]endpointQuotasFile, len(t.Group)),
		Fallback:  fromDomain(t.Fallback),
	}

	keys := make([]ratelimit.TierRole, 0, len(t.Actor))
	for k := range t.Actor {
		keys = append(keys, k)
	}
	rank := func(list []string, v string) int {
		for i, s := range list {
			if s == v {
				return i
			}
		}
		return len(list)
	}
	sort.Slice(keys, func(i, j int) bool {
		ti, tj := rank(t.Tiers, keys[i].Tier), rank(t.Tiers, keys[j].Tier)
		if ti != tj {
			return ti < tj
		}
		return rank(t.Roles, keys[i].Role) < rank(t.Roles, keys[j].Role)
	})
	for _, k := range keys {
		tf.Actor = append(tf.Actor, actorQuotasFile{
			Tier:               k.Tier,
			Role:               k.Role,
			endpointQuotasFile: fromDomain(t.Actor[k]),
		})
	}
	for tier, g := range t.Group {
		tf.Group[tier] = fromDomain(g)
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(tf); err != nil {
		return fmt.Errorf("failed to encode tiers: %w", err)
	}
	if err := enc.Close(); err != nil {
		return err
	}
	_, err := w.Write(buf.Bytes())
	return err
}

func fromDomain(e ratelimit.EndpointQuotas) endpointQuotasFile {
	out := endpointQuotasFile{Default: quotaToFile(e.Default)}
	if len(e.Endpoints) > 0 {
		out.Endpoints = make(map[string]quotaFile, len(e.Endpoints))
		for name, q := range e.Endpoints {
			out.Endpoints[name] = quotaToFile(q)
		}
	}
	return out
}

func quotaToFile(q ratelimit.Quota) quotaFile {
	return quotaFile{Limit: q.Limit, Window: q.Window.String()}
}
