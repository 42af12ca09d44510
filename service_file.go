package restx

import (
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"time"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"
)

// ServiceFile is the YAML form of a service description. It compiles
// through ServiceBuilder, so a file and the equivalent fluent declaration
// produce the same Service.
type ServiceFile struct {
	Name           string            `yaml:"name"`
	BaseURL        string            `yaml:"baseURL" validate:"required,url"`
	Charset        string            `yaml:"charset"`
	ListSeparator  string            `yaml:"listSeparator"`
	Produces       string            `yaml:"produces"`
	Consumes       string            `yaml:"consumes"`
	ConnectTimeout time.Duration     `yaml:"connectTimeout" validate:"gte=0"`
	ReadTimeout    time.Duration     `yaml:"readTimeout" validate:"gte=0"`
	Headers        map[string]string `yaml:"headers"`
	Params         []ParamFile       `yaml:"params" validate:"dive"`
	Methods        []MethodFile      `yaml:"methods" validate:"required,min=1,dive"`
}

// ParamFile declares one param in a ServiceFile.
type ParamFile struct {
	Name          string  `yaml:"name" validate:"required"`
	In            string  `yaml:"in" validate:"required,oneof=query form path header cookie matrix"`
	Arg           *int    `yaml:"arg" validate:"omitempty,gte=0"`
	Default       *string `yaml:"default"`
	ListSeparator string  `yaml:"listSeparator"`
	Encoded       bool    `yaml:"encoded"`
}

// MethodFile declares one operation in a ServiceFile.
type MethodFile struct {
	Name           string            `yaml:"name" validate:"required"`
	Method         string            `yaml:"method" validate:"required"`
	Path           string            `yaml:"path"`
	Charset        string            `yaml:"charset"`
	ListSeparator  string            `yaml:"listSeparator"`
	Produces       string            `yaml:"produces"`
	Consumes       string            `yaml:"consumes"`
	Entity         *int              `yaml:"entity" validate:"omitempty,gte=0"`
	EntityWriter   string            `yaml:"entityWriter" validate:"omitempty,oneof=form multipart json xml"`
	ConnectTimeout time.Duration     `yaml:"connectTimeout" validate:"gte=0"`
	ReadTimeout    time.Duration     `yaml:"readTimeout" validate:"gte=0"`
	Headers        map[string]string `yaml:"headers"`
	Params         []ParamFile       `yaml:"params" validate:"dive"`
}

// LoadServiceFile reads and compiles the YAML service description at path.
func LoadServiceFile(path string) (*Service, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open service file: %w", err)
	}
	defer f.Close()

	return LoadService(f)
}

// LoadService reads and compiles a YAML service description.
func LoadService(r io.Reader) (*Service, error) {
	var file ServiceFile

	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	if err := dec.Decode(&file); err != nil {
		return nil, fmt.Errorf("decode service file: %w", err)
	}

	if err := validate.Struct(&file); err != nil {
		return nil, fmt.Errorf("invalid service file: %w", err)
	}

	builder, err := file.Builder()
	if err != nil {
		return nil, err
	}

	return builder.Build()
}

// Builder returns the ServiceBuilder equivalent to the file.
func (f *ServiceFile) Builder() (*ServiceBuilder, error) {
	sb := NewServiceBuilder(f.BaseURL).
		WithName(f.Name).
		WithListSeparator(f.ListSeparator).
		WithProduces(f.Produces).
		WithConsumes(f.Consumes).
		WithConnectTimeout(f.ConnectTimeout).
		WithReadTimeout(f.ReadTimeout)

	if f.Charset != "" {
		sb.WithCharset(f.Charset)
	}

	for _, key := range sortedKeys(f.Headers) {
		sb.WithHeader(key, f.Headers[key])
	}

	var errs error
	for _, pf := range f.Params {
		pc, err := pf.config()
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}

		sb.WithParam(pc)
	}

	for _, mf := range f.Methods {
		mb := sb.Method(mf.Name, mf.Method, mf.Path).
			WithListSeparator(mf.ListSeparator).
			WithProduces(mf.Produces).
			WithConsumes(mf.Consumes).
			WithConnectTimeout(mf.ConnectTimeout).
			WithReadTimeout(mf.ReadTimeout)

		if mf.Charset != "" {
			mb.WithCharset(mf.Charset)
		}

		if mf.Entity != nil {
			mb.WithEntity(*mf.Entity)
		}

		if mf.EntityWriter != "" {
			mb.WithEntityWriter(entityWriterNamed(mf.EntityWriter))
		}

		for _, key := range sortedKeys(mf.Headers) {
			mb.WithHeader(key, mf.Headers[key])
		}

		for _, pf := range mf.Params {
			pc, err := pf.config()
			if err != nil {
				errs = multierr.Append(errs, fmt.Errorf("method %q: %w", mf.Name, err))
				continue
			}

			mb.WithParam(pc)
		}
	}

	if errs != nil {
		return nil, errs
	}

	return sb, nil
}

func (pf ParamFile) config() (ParamConfig, error) {
	d, err := ParseDestination(pf.In)
	if err != nil {
		return ParamConfig{}, fmt.Errorf("param %q: %w", pf.Name, err)
	}

	pc := newParamConfig(pf.Name, d)
	if pf.Arg != nil {
		pc = pc.WithArg(*pf.Arg)
	}

	if pf.Default != nil {
		pc = pc.WithDefault(*pf.Default)
	}

	if pf.ListSeparator != "" {
		pc = pc.WithListSeparator(pf.ListSeparator)
	}

	if pf.Encoded {
		pc = pc.AsEncoded()
	}

	return pc, nil
}

func entityWriterNamed(name string) EntityWriter {
	switch strings.ToLower(name) {
	case "multipart":
		return MultipartEntityWriter{}
	case "json":
		return JSONEntityWriter{}
	case "xml":
		return XMLEntityWriter{}
	default:
		return FormEntityWriter{}
	}
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}

	slices.Sort(keys)

	return keys
}
