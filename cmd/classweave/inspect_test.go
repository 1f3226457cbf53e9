// Package main - 'classweave inspect' and 'classweave cfg' tests.
package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/kolkov/classweave/internal/classfile"
	"github.com/kolkov/classweave/internal/config"
)

// TestParseViewArgs tests flag parsing for the read-only commands.
func TestParseViewArgs(t *testing.T) {
	tests := []struct {
		name      string
		args      []string
		wantOpts  map[string]string
		wantFiles []string
		wantErr   bool
	}{
		{
			name:      "files only",
			args:      []string{"A.class", "B.class"},
			wantOpts:  map[string]string{},
			wantFiles: []string{"A.class", "B.class"},
		},
		{
			name:      "value flags",
			args:      []string{"-config", "weave.toml", "-m=run", "-code", "A.class"},
			wantOpts:  map[string]string{"config": "weave.toml", "m": "run", "code": "true"},
			wantFiles: []string{"A.class"},
		},
		{name: "no files", args: []string{"-m", "run"}, wantErr: true},
		{name: "missing value", args: []string{"A.class", "-m"}, wantErr: true},
		{name: "unknown flag", args: []string{"-o", "x", "A.class"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts, files, err := parseViewArgs(tt.args, "config", "m")
			if tt.wantErr {
				if err == nil {
					t.Fatalf("parseViewArgs(%v) succeeded, want error", tt.args)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseViewArgs() error: %v", err)
			}
			if len(opts) != len(tt.wantOpts) {
				t.Errorf("opts = %v, want %v", opts, tt.wantOpts)
			}
			for k, v := range tt.wantOpts {
				if opts[k] != v {
					t.Errorf("opts[%q] = %q, want %q", k, opts[k], v)
				}
			}
			if strings.Join(files, ",") != strings.Join(tt.wantFiles, ",") {
				t.Errorf("files = %v, want %v", files, tt.wantFiles)
			}
		})
	}
}

// TestMethodGraphs tests method selection for 'classweave cfg'.
func TestMethodGraphs(t *testing.T) {
	cf := tracedClass("app/Main")
	cf.AddMethod(classfile.AccPublic|classfile.AccAbstract, "abs", "()V", nil)

	if got := methodGraphs(cf, ""); len(got) != 1 {
		t.Errorf("methodGraphs(all) = %d graphs, want 1", len(got))
	}
	if got := methodGraphs(cf, "run"); len(got) != 1 || len(got[0].Blocks) != 1 {
		t.Errorf("methodGraphs(run) = %+v", got)
	}
	if got := methodGraphs(cf, "abs"); len(got) != 0 {
		t.Errorf("methodGraphs(abs) = %d graphs, want 0", len(got))
	}
}

// TestDescribe tests the inspect listing of a traced method.
func TestDescribe(t *testing.T) {
	cf := tracedClass("app/Main")
	rs, err := config.Default().RuleSet()
	if err != nil {
		t.Fatalf("RuleSet: %v", err)
	}
	res, err := rs.Match(cf)
	if err != nil {
		t.Fatalf("Match: %v", err)
	}

	var buf bytes.Buffer
	describe(&buf, cf, res, "", true)
	out := buf.String()
	t.Logf("describe:\n%s", out)

	for _, want := range []string{
		"class app/Main extends java/lang/Object",
		"method run()V stack=",
		"<- ",
		"0: return",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q", want)
		}
	}
}
