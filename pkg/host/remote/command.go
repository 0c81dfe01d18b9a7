package remote

import (
	"bytes"
	"fmt"
	"text/template"
)

// Command is a shell command line template. Values must pass through the
// quote function; the template itself is trusted.
type Command struct {
	tmpl *template.Template
}

func NewCommand(name, text string) (*Command, error) {
	tmpl, err := template.New(name).
		Option("missingkey=error").
		Funcs(template.FuncMap{"quote": Quote}).
		Parse(text)
	if err != nil {
		return nil, fmt.Errorf("failed to parse command template %s: %w", name, err)
	}
	return &Command{tmpl: tmpl}, nil
}

func MustCommand(name, text string) *Command {
	c, err := NewCommand(name, text)
	if err != nil {
		panic(err)
	}
	return c
}

func (c *Command) Render(data any) (string, error) {
	var buf bytes.Buffer
	if err := c.tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to render command %s: %w", c.tmpl.Name(), err)
	}
	return buf.String(), nil
}
