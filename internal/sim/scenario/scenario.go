// Package scenario loads simulation scenarios from YAML: the buckets, their
// seed quantities, and the behaviours that move quantity between them.
package scenario

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/syntacticsugarglider/compartmentalmodel/internal/sim/engine"
)

//go:embed scenario.schema.json
var schemaJSON []byte

var schema = jsonschema.MustCompileString("scenario.schema.json", string(schemaJSON))

type Scenario struct {
	Name               string       `yaml:"name"`
	Speed              uint64       `yaml:"speed"`
	TickIntervalMs     int          `yaml:"tick_interval_ms"`
	History            int          `yaml:"history"`
	SnapshotEveryTicks int          `yaml:"snapshot_every_ticks"`
	Buckets            []BucketSpec `yaml:"buckets"`
}

type BucketSpec struct {
	Name       string          `yaml:"name"`
	Quantity   uint64          `yaml:"quantity"`
	Behaviours []BehaviourSpec `yaml:"behaviours,omitempty"`
}

type BehaviourSpec struct {
	Kind        string  `yaml:"kind"` // diffusion | infection | contact
	Target      string  `yaml:"target"`
	Probability float64 `yaml:"probability"`
}

func defaults() Scenario {
	return Scenario{
		Speed:          1,
		TickIntervalMs: 100,
		History:        10,
	}
}

func Load(path string) (Scenario, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Scenario{}, err
	}
	return Parse(raw)
}

func Parse(raw []byte) (Scenario, error) {
	if err := validate(raw); err != nil {
		return Scenario{}, fmt.Errorf("scenario: %w", err)
	}

	s := defaults()
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil {
		return Scenario{}, fmt.Errorf("scenario: %w", err)
	}
	if err := s.check(); err != nil {
		return Scenario{}, fmt.Errorf("scenario %q: %w", s.Name, err)
	}
	return s, nil
}

// validate checks the raw document against the embedded JSON Schema. The YAML
// is round-tripped through JSON so the validator sees the types it expects.
func validate(raw []byte) error {
	var doc any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return err
	}
	jb, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	var jdoc any
	if err := json.Unmarshal(jb, &jdoc); err != nil {
		return err
	}
	return schema.Validate(jdoc)
}

// check enforces the constraints the schema cannot express: target references
// must resolve to a declared bucket.
func (s Scenario) check() error {
	names := make(map[string]bool, len(s.Buckets))
	for _, b := range s.Buckets {
		names[b.Name] = true
	}
	for _, b := range s.Buckets {
		for _, bh := range b.Behaviours {
			if !names[bh.Target] {
				return fmt.Errorf("bucket %q: behaviour targets unknown bucket %q", b.Name, bh.Target)
			}
		}
	}
	return nil
}

func (s Scenario) TickInterval() time.Duration {
	return time.Duration(s.TickIntervalMs) * time.Millisecond
}

// Build wires the scenario into a runnable model: buckets in file order,
// behaviours in declaration order, quantities seeded. Target references
// resolve by name to the first bucket declared with that name (names are not
// required to be unique).
func (s Scenario) Build() (*engine.Model, error) {
	m := engine.NewModel(engine.Config{
		Scenario:           s.Name,
		TickInterval:       s.TickInterval(),
		SnapshotEveryTicks: s.SnapshotEveryTicks,
	})

	byName := make(map[string]*engine.Bucket, len(s.Buckets))
	buckets := make([]*engine.Bucket, 0, len(s.Buckets))
	for _, spec := range s.Buckets {
		b := engine.New(spec.Name)
		b.Increase(int64(spec.Quantity))
		buckets = append(buckets, b)
		if _, ok := byName[spec.Name]; !ok {
			byName[spec.Name] = b
		}
	}

	for i, spec := range s.Buckets {
		for _, bh := range spec.Behaviours {
			target := byName[bh.Target]
			var impl engine.Behaviour
			switch bh.Kind {
			case "diffusion":
				impl = engine.NewDiffusion(target, bh.Probability)
			case "infection":
				impl = engine.NewInfection(target, bh.Probability)
			case "contact":
				impl = engine.NewContact(target, bh.Probability)
			default:
				return nil, fmt.Errorf("bucket %q: unknown behaviour kind %q", spec.Name, bh.Kind)
			}
			buckets[i].Attach(impl)
		}
	}

	for _, b := range buckets {
		m.Add(b)
	}
	return m, nil
}
