package config

import (
	"encoding/json"
	"io"
	"os"
	"path"
	"reflect"

	"chain-reader/lib/utils"

	"github.com/chebyrash/promise"
)

type Config[T any] struct {
	defaultValue T
	dataDir      string

	loaded bool
	value  T
}

const DATA_DIR = "data"
const CONFIG_DIR = "config"

// New creates a config persisted under <dataDir>/config/<T>.json. A nil
// dataDir uses DATA_DIR.
func New[T any](defaultValue T, dataDir *string) *Config[T] {
	dir := DATA_DIR
	if dataDir != nil && *dataDir != "" {
		dir = *dataDir
	}
	return &Config[T]{defaultValue: defaultValue, dataDir: dir, value: defaultValue}
}

func (c *Config[T]) FilePath() string {
	name := reflect.TypeFor[T]().Name()
	return path.Join(c.dataDir, CONFIG_DIR, name+".json")
}

func (c *Config[T]) Init() error {
	f, err := os.Open(c.FilePath())
	if err != nil {
		if os.IsNotExist(err) {
			err = c.Update(func(t *T) {
				*t = c.defaultValue
			})
			if err != nil {
				return err
			}
		} else {
			return err
		}
	} else {
		defer f.Close()
		b, err := io.ReadAll(f)
		if err != nil {
			return err
		}
		// start from the defaults so fields missing from older files keep a value
		value := c.defaultValue
		err = json.Unmarshal(b, &value)
		if err != nil {
			return err
		}
		c.value = value
	}
	c.loaded = true
	return nil
}

func (c *Config[T]) Start() *promise.Promise[any] {
	return utils.PromiseResolve[any](nil)
}

func (c *Config[T]) Stop() error {
	return nil
}

func (c *Config[T]) Loaded() bool {
	return c.loaded
}

func (c *Config[T]) Get() T {
	return c.value
}

func (c *Config[T]) Update(updater func(*T)) error {
	temp := c.value
	updater(&temp)
	b, err := json.MarshalIndent(temp, "", "  ")
	if err != nil {
		return err
	}
	err = os.MkdirAll(path.Dir(c.FilePath()), 0755)
	if err != nil {
		return err
	}
	err = os.WriteFile(c.FilePath(), b, 0644)
	if err != nil {
		return err
	}
	c.value = temp
	return nil
}

// ApplyEnv overrides a field from an environment variable when it is set.
func (c *Config[T]) ApplyEnv(name string, set func(t *T, value string)) error {
	value := os.Getenv(name)
	if value == "" {
		return nil
	}
	return c.Update(func(t *T) {
		set(t, value)
	})
}
