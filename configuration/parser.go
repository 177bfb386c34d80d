package configuration

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"

	"gitlab.com/gitlab-org/database-backfill/internal/feature"
)

// Environment variables sharing the configuration prefix that are not configuration overrides.
const (
	// PathEnvVar holds the configuration file path when none is given on the command line.
	PathEnvVar = "BACKFILL_CONFIGURATION_PATH"
	// DryRunEnvVar forces dry runs when set to true.
	DryRunEnvVar = "BACKFILL_DRY_RUN"
)

func ignoredEnvVar(name string) bool {
	return name == PathEnvVar || name == DryRunEnvVar || feature.KnownEnvVar(name)
}

type envVar struct {
	name  string
	value string
}

type envVars []envVar

func (a envVars) Len() int           { return len(a) }
func (a envVars) Swap(i, j int)      { a[i], a[j] = a[j], a[i] }
func (a envVars) Less(i, j int) bool { return a[i].name < a[j].name }

// Parser can be used to parse a configuration file and environment of a defined version into a unified output
// structure.
type Parser struct {
	prefix string
	env    envVars
}

// NewParser returns a *Parser with the given environment prefix which handles versioned configurations.
func NewParser(prefix string) *Parser {
	p := &Parser{prefix: strings.ToUpper(prefix) + "_"}

	for _, env := range os.Environ() {
		name, value, ok := strings.Cut(env, "=")
		if !ok || !strings.HasPrefix(name, p.prefix) || ignoredEnvVar(name) {
			continue
		}
		p.env = append(p.env, envVar{name: name, value: value})
	}

	// We must sort the environment variables lexically by name so that more specific variables are applied before
	// less specific ones (i.e. BACKFILL_DATABASE before BACKFILL_DATABASE_HOST).
	sort.Sort(p.env)

	return p
}

// Parse reads in the given []byte and environment and writes the resulting configuration into the input v.
//
// Environment variables may be used to override configuration parameters other than version, following the scheme
// below: v.Abc may be replaced by the value of PREFIX_ABC, v.Abc.Xyz may be replaced by the value of PREFIX_ABC_XYZ,
// and so forth.
func (p *Parser) Parse(in []byte, v any) error {
	var versioned struct {
		Version Version
	}
	if err := yaml.Unmarshal(in, &versioned); err != nil {
		return err
	}
	if versioned.Version == "" {
		return errors.New("configuration version is required")
	}
	if versioned.Version != CurrentVersion {
		return fmt.Errorf("unsupported version: %q", versioned.Version)
	}

	if err := yaml.UnmarshalStrict(in, v); err != nil {
		return err
	}

	for _, env := range p.env {
		path := strings.Split(strings.TrimPrefix(env.name, p.prefix), "_")
		if path[0] == "VERSION" {
			continue
		}
		if err := p.overwriteFields(reflect.ValueOf(v), env.name, path, env.value); err != nil {
			return fmt.Errorf("applying %s: %w", env.name, err)
		}
	}

	return nil
}

func (p *Parser) overwriteFields(v reflect.Value, fullpath string, path []string, payload string) error {
	for v.Kind() == reflect.Ptr {
		if v.IsNil() {
			panic("encountered nil pointer while handling environment variable " + fullpath)
		}
		v = reflect.Indirect(v)
	}
	switch v.Kind() {
	case reflect.Struct:
		return p.overwriteStruct(v, fullpath, path, payload)
	case reflect.Map:
		return p.overwriteMap(v, fullpath, path, payload)
	case reflect.Interface:
		if v.NumMethod() == 0 {
			if !v.IsNil() {
				return p.overwriteFields(v.Elem(), fullpath, path, payload)
			}
			// interface was empty, create an implicit map
			var template map[string]any
			wrapped := reflect.MakeMap(reflect.TypeOf(template))
			v.Set(wrapped)
			return p.overwriteMap(wrapped, fullpath, path, payload)
		}
	}
	return nil
}

func (p *Parser) overwriteStruct(v reflect.Value, fullpath string, path []string, payload string) error {
	byUpperCase := make(map[string]int)
	for i := 0; i < v.NumField(); i++ {
		upper := strings.ToUpper(v.Type().Field(i).Name)
		if _, present := byUpperCase[upper]; present {
			panic(fmt.Sprintf("field name collision in configuration object: %s", v.Type().Field(i).Name))
		}
		byUpperCase[upper] = i
	}

	fieldIndex, present := byUpperCase[path[0]]
	if !present {
		logrus.Warnf("ignoring unrecognized environment variable %s", fullpath)
		return nil
	}
	field := v.Field(fieldIndex)
	sf := v.Type().Field(fieldIndex)

	if len(path) == 1 {
		fieldVal := reflect.New(sf.Type)
		if err := yaml.Unmarshal([]byte(payload), fieldVal.Interface()); err != nil {
			return err
		}
		field.Set(reflect.Indirect(fieldVal))
		return nil
	}

	switch sf.Type.Kind() {
	case reflect.Map:
		if field.IsNil() {
			field.Set(reflect.MakeMap(sf.Type))
		}
	case reflect.Ptr:
		if field.IsNil() {
			field.Set(reflect.New(sf.Type.Elem()))
		}
	}

	return p.overwriteFields(field, fullpath, path[1:], payload)
}

func (p *Parser) overwriteMap(m reflect.Value, fullpath string, path []string, payload string) error {
	if m.Type().Key().Kind() != reflect.String {
		logrus.Warnf("ignoring environment variable %s involving map with non-string keys", fullpath)
		return nil
	}

	key := strings.ToLower(path[0])
	if len(path) == 1 {
		mapValue := reflect.New(m.Type().Elem())
		if err := yaml.Unmarshal([]byte(payload), mapValue.Interface()); err != nil {
			return err
		}
		m.SetMapIndex(reflect.ValueOf(key), reflect.Indirect(mapValue))
		return nil
	}

	// maps values are not addressable, so the nested value is copied, updated and stored back
	mapValue := reflect.New(m.Type().Elem()).Elem()
	if existing := m.MapIndex(reflect.ValueOf(key)); existing.IsValid() {
		mapValue.Set(existing)
	}
	if mapValue.Kind() == reflect.Map && mapValue.IsNil() {
		mapValue.Set(reflect.MakeMap(mapValue.Type()))
	}
	if mapValue.Kind() == reflect.Interface && !mapValue.IsNil() {
		// copy the dynamic value into a settable one
		inner := reflect.New(mapValue.Elem().Type()).Elem()
		inner.Set(mapValue.Elem())
		mapValue = inner
	}
	if err := p.overwriteFields(mapValue, fullpath, path[1:], payload); err != nil {
		return err
	}
	m.SetMapIndex(reflect.ValueOf(key), mapValue)
	return nil
}
