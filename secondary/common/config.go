// Config is a key, value map for coordinator-level configuration.
// Key is a string and represents a config parameter, and the corresponding
// value is an interface{} that can be consumed using accessor methods
// based on the context of the config value.
//
// Config maps are normally treated as immutable snapshots; callers that
// need to change a value build a clone with Override rather than mutate
// a Config another goroutine may be reading.
//
// Shape of a config-parameter, the key string, is a sequence of
// alpha-numeric characters separated by one or more '.', eg,
//      "indexBuilds.maxConcurrentBuilds"

package common

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"runtime"
	"strings"
	"sync/atomic"
	"unsafe"
)

// ConfigHolder is a threadsafe holder for a Config snapshot. The coordinator
// keeps one per running instance and reloads it wholesale on settings
// changes rather than mutating individual keys in place.
type ConfigHolder struct {
	ptr unsafe.Pointer
}

func (h *ConfigHolder) Store(conf Config) {
	atomic.StorePointer(&h.ptr, unsafe.Pointer(&conf))
}

func (h *ConfigHolder) Load() Config {
	confptr := atomic.LoadPointer(&h.ptr)
	if confptr == nil {
		return nil
	}
	return *(*Config)(confptr)
}

// Config is a key, value map with key always being a string representing
// a config-parameter.
type Config map[string]ConfigValue

// ConfigValue is the value and metadata for one config parameter.
type ConfigValue struct {
	Value         interface{}
	Help          string
	DefaultVal    interface{}
	Immutable     bool
	Casesensitive bool
}

// defaultConcurrentBuilds caps in-flight builds per node absent an override;
// the driver has no natural limit of its own, so the coordinator enforces one.
var defaultConcurrentBuilds = max(4, runtime.GOMAXPROCS(0))

// SystemConfig is the default configuration for the index builds
// coordinator and its collaborators.
var SystemConfig = Config{
	"indexBuilds.maxConcurrentBuilds": ConfigValue{
		defaultConcurrentBuilds,
		"maximum number of index builds this node will drive concurrently",
		defaultConcurrentBuilds,
		false, // mutable
		false, // case-insensitive
	},
	"indexBuilds.drainYieldInterval": ConfigValue{
		10 * 1000, // milliseconds
		"how often, in milliseconds, a drain pass yields its locks to waiters",
		10 * 1000,
		false,
		false,
	},
	// commitQuorumTimeout is consumed by the replication coordinator that
	// actually tallies commit-quorum votes, not by this package: the
	// coordinator only stores a CommitQuorum descriptor on each build's
	// record (spec.md §1 Non-goals forbid it voting itself). The key is registered here so callers can set it on the
	// same Config this package reads the rest of its settings from.
	"indexBuilds.commitQuorumTimeout": ConfigValue{
		60 * 1000, // milliseconds
		"how long, in milliseconds, the replication layer waits for a commit-quorum descriptor before failing",
		60 * 1000,
		false,
		false,
	},
	// allowSinglePhase gates Coordinator.SupportsTwoPhaseIndexBuild: while
	// set, that predicate reports false. StartIndexBuild does not read it;
	// a build runs whatever protocol its caller passes.
	"indexBuilds.allowSinglePhase": ConfigValue{
		true,
		"while true, Coordinator.SupportsTwoPhaseIndexBuild reports false",
		true,
		false,
		false,
	},
	// replSetAndNotPrimaryAtStart is not read from SystemConfig directly;
	// each build's own IndexBuildOptions.ReplSetAndNotPrimaryAtStart is
	// what the driver consults (spec.md §4.3 Cancellation). It is
	// registered here so the caller that derives that per-build value
	// validates against the same Config this package reads the rest of
	// its settings from.
	"indexBuilds.replSetAndNotPrimaryAtStart": ConfigValue{
		false,
		"whether this node is a secondary for the namespace at build registration time",
		false,
		false,
		false,
	},
	// clusterAddr is consumed by whatever dials the CollectionCatalog and
	// ReplicationCoordinator implementations this package is handed
	// already-constructed; this package never dials a cluster itself.
	// Registered here for the same reason as commitQuorumTimeout above.
	"indexBuilds.clusterAddr": ConfigValue{
		"127.0.0.1:9108",
		"cluster address the surrounding node uses to construct the replication coordinator and catalog this package consumes",
		"127.0.0.1:9108",
		true,
		false,
	},
	"indexBuilds.nodeUUID": ConfigValue{
		"",
		"opaque identifier for this node, used to tag topology watcher log entries",
		"",
		true,
		false,
	},
}

// NewConfig builds a Config from a Config, a map[string]interface{}, or
// raw JSON. Keys of a map or JSON input are validated against
// SystemConfig; a Config input is copied as is.
func NewConfig(data interface{}) (Config, error) {
	config := make(Config)
	err := config.Update(data)
	return config, err
}

// Update merges data into config; for a map or JSON input, unknown keys
// return an error. A Config input is merged without validation.
func (config Config) Update(data interface{}) error {
	switch v := data.(type) {
	case Config:
		for key, value := range v {
			config.Set(key, value)
		}

	case []byte:
		m := make(map[string]interface{})
		if err := json.Unmarshal(v, &m); err != nil {
			return err
		}
		return config.Update(m)

	case map[string]interface{}:
		for key, value := range v {
			if cv, ok := SystemConfig[key]; ok {
				if _, ok := config[key]; !ok {
					config[key] = cv
				}
				if err := config.SetValue(key, value); err != nil {
					return fmt.Errorf("config: skipping %q = %v: %v", key, value, err)
				}
			} else {
				return fmt.Errorf("config: invalid parameter %q", key)
			}
		}

	default:
		return nil
	}
	return nil
}

// Clone returns a shallow copy safe for independent mutation of keys.
func (config Config) Clone() Config {
	clone := make(Config)
	for key, value := range config {
		clone[key] = value
	}
	return clone
}

// Override clones config and applies values from others, skipping
// immutable parameters.
func (config Config) Override(others ...Config) Config {
	newconfig := config.Clone()
	for _, other := range others {
		for key, cv := range other {
			if newconfig[key].Immutable {
				continue
			}
			ocv, ok := newconfig[key]
			if !ok {
				ocv = cv
			} else {
				ocv.Value = cv.Value
			}
			newconfig[key] = ocv
		}
	}
	return newconfig
}

// SectionConfig returns the subset of config whose keys start with prefix.
// If trim is true, the prefix is stripped from the returned keys.
func (config Config) SectionConfig(prefix string, trim bool) Config {
	section := make(Config)
	for key, value := range config {
		if strings.HasPrefix(key, prefix) {
			if trim {
				section[strings.TrimPrefix(key, prefix)] = value
			} else {
				section[key] = value
			}
		}
	}
	return section
}

// Set assigns a ConfigValue for key, mutating config in place.
func (config Config) Set(key string, cv ConfigValue) Config {
	config[key] = cv
	return config
}

// SetValue sets a plain value for an already-registered key, converting
// types where reflect allows it (e.g. json float64 -> int).
func (config Config) SetValue(key string, value interface{}) error {
	cv, ok := config[key]
	if !ok {
		return errors.New("invalid config parameter")
	}
	if value == nil {
		return errors.New("config value is nil")
	}

	defType := reflect.TypeOf(cv.DefaultVal)
	valType := reflect.TypeOf(value)

	if valType.ConvertibleTo(defType) {
		v := reflect.Indirect(reflect.ValueOf(value))
		value = v.Convert(defType).Interface()
		valType = defType
	}

	if valType.Kind() == reflect.String && !cv.Casesensitive {
		value = strings.ToLower(value.(string))
	}

	if defType != reflect.TypeOf(value) {
		return fmt.Errorf("%v: value type mismatch, %v != %v (%v)", key, valType, defType, value)
	}

	cv.Value = value
	config[key] = cv
	return nil
}

// Map returns the plain key/value view of config, discarding metadata.
func (config Config) Map() map[string]interface{} {
	kvs := make(map[string]interface{})
	for key, value := range config {
		kvs[key] = value.Value
	}
	return kvs
}

func (config Config) Json() []byte {
	bs, _ := json.Marshal(config.Map())
	return bs
}

func (config Config) String() string {
	return string(config.Json())
}

// Int assumes the config value is an integer and returns it.
func (cv ConfigValue) Int() int {
	if val, ok := cv.Value.(int); ok {
		return val
	} else if val, ok := cv.Value.(float64); ok {
		return int(val)
	}
	panic(fmt.Sprintf("config: not an Int(): %#v", cv))
}

// Uint64 assumes the config value is a 64-bit integer and returns it.
func (cv ConfigValue) Uint64() uint64 {
	switch val := cv.Value.(type) {
	case uint64:
		return val
	case int:
		return uint64(val)
	case float64:
		return uint64(val)
	}
	panic(fmt.Sprintf("config: not a Uint64(): %#v", cv))
}

// String assumes the config value is a string and returns it.
func (cv ConfigValue) String() string {
	return cv.Value.(string)
}

// Bool assumes the config value is a bool and returns it.
func (cv ConfigValue) Bool() bool {
	return cv.Value.(bool)
}
