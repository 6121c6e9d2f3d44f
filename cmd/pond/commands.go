package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/pflag"

	"github.com/nagra-insight/pond/pkg/activity"
	"github.com/nagra-insight/pond/pkg/artifact"
	"github.com/nagra-insight/pond/pkg/versioned"
	"github.com/nagra-insight/pond/pkg/versionname"
)

// formats maps --format values to adapters. Input files are decoded with
// the same adapter that stores them.
var formats = map[string]artifact.Adapter{
	"bin":  artifact.Bytes{},
	"txt":  artifact.Text{},
	"json": artifact.JSON{},
	"yaml": artifact.YAML{},
	"yml":  artifact.YAML{},
	"cbor": artifact.CBOR{},
	"csv":  artifact.CSVTable{},
	"xlsx": artifact.XLSXTable{},
	"png":  artifact.PNGImage{},
}

// schemes maps --scheme values to version name schemes. The empty value
// adopts the pinned scheme, or the simple one for a new artifact.
var schemes = map[string]func(runID string) versionname.Scheme{
	"":         func(string) versionname.Scheme { return versionname.Scheme{} },
	"simple":   func(string) versionname.Scheme { return versionname.SimpleScheme() },
	"datetime": func(string) versionname.Scheme { return versionname.DateTimeScheme() },
	"date":     func(string) versionname.Scheme { return versionname.DateScheme() },
	"run":      versionname.RunScheme,
	"semver":   func(string) versionname.Scheme { return versionname.SemVerScheme() },
}

func newFlagSet(name string, stderr io.Writer) *pflag.FlagSet {
	fs := pflag.NewFlagSet("pond "+name, pflag.ContinueOnError)
	fs.SetOutput(stderr)
	return fs
}

func parseFlags(fs *pflag.FlagSet, args []string, positional int, stderr io.Writer) ([]string, int) {
	if err := fs.Parse(args); err != nil {
		if err == pflag.ErrHelp {
			return nil, exitOK
		}
		return nil, exitUsage
	}
	if fs.NArg() != positional {
		_, _ = fmt.Fprintf(stderr, "Error: expected %d argument(s), got %d\n", positional, fs.NArg())
		fs.Usage()
		return nil, exitUsage
	}
	return fs.Args(), -1
}

func fail(stderr io.Writer, err error) int {
	_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
	return exitRuntime
}

func parseVersion(s string) (*versionname.Name, error) {
	if s == "" {
		return nil, nil
	}
	n, err := versionname.Parse(s)
	if err != nil {
		return nil, err
	}
	return &n, nil
}

func runWriteCmd(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("write <artifact> <file>", stderr)
	var (
		format   string
		compress bool
		version  string
		mode     string
		scheme   string
		runID    string
		meta     []string
		inputs   []string
	)
	fs.StringVar(&format, "format", "", "input format: bin, txt, json, yaml, cbor, csv, xlsx, png (default: from file extension)")
	fs.BoolVar(&compress, "zstd", false, "store the payload zstd-compressed")
	fs.StringVar(&version, "version", "", "explicit version name (default: next version)")
	fs.StringVar(&mode, "mode", "error_if_exists", "collision policy: error_if_exists, overwrite, ignore, append")
	fs.StringVar(&scheme, "scheme", "", "version names for a new artifact: simple, datetime, date, run, semver")
	fs.StringVar(&runID, "run-id", "", "run id for the run scheme (default: random)")
	fs.StringArrayVar(&meta, "meta", nil, "user metadata as key=value (repeatable)")
	fs.StringArrayVar(&inputs, "input", nil, "URI of an input this version was derived from (repeatable)")

	pos, code := parseFlags(fs, args, 2, stderr)
	if code >= 0 {
		return code
	}
	name, file := pos[0], pos[1]

	if format == "" {
		format = strings.TrimPrefix(strings.ToLower(filepath.Ext(file)), ".")
	}
	adapter, ok := formats[format]
	if !ok {
		adapter = artifact.Bytes{}
	}
	newScheme, ok := schemes[scheme]
	if !ok {
		_, _ = fmt.Fprintf(stderr, "Error: unknown scheme %q\n", scheme)
		return exitUsage
	}
	if scheme == "run" && runID == "" {
		runID = activity.NewRunID()
	}
	writeMode, err := versioned.ParseWriteMode(mode)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitUsage
	}
	userMeta := map[string]any{}
	for _, kv := range meta {
		k, v, found := strings.Cut(kv, "=")
		if !found || k == "" {
			_, _ = fmt.Fprintf(stderr, "Error: --meta expects key=value, got %q\n", kv)
			return exitUsage
		}
		userMeta[k] = v
	}
	explicit, err := parseVersion(version)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitUsage
	}

	raw, err := os.ReadFile(file)
	if err != nil {
		return fail(stderr, err)
	}
	data, err := adapter.Deserialize(raw, nil)
	if err != nil {
		return fail(stderr, fmt.Errorf("decode %s as %s: %w", file, adapter.ClassID(), err))
	}
	if compress {
		adapter = artifact.Compressed(adapter)
	}

	ctx := context.Background()
	e, err := newEnv(ctx, stderr)
	if err != nil {
		return fail(stderr, err)
	}
	defer e.close(ctx)

	source := e.cfg.Source
	if source == "" {
		source = "pond-cli"
	}
	act := activity.New(source, e.cfg.Location, e.backend, e.cfg.Author,
		activity.WithScheme(newScheme(runID)),
		activity.WithEngineOptions(e.engineOptions()...),
		activity.WithLogger(e.logger),
	)
	opts := []activity.WriteOption{activity.WithAdapter(adapter), activity.WithWriteMode(writeMode)}
	if explicit != nil {
		opts = append(opts, activity.WithVersionName(*explicit))
	}
	if len(userMeta) > 0 {
		opts = append(opts, activity.WithMetadata(userMeta))
	}
	if len(inputs) > 0 {
		opts = append(opts, activity.WithInputs(inputs...))
	}

	res, err := act.Write(ctx, data, name, opts...)
	if err != nil {
		return fail(stderr, err)
	}
	status := "written"
	switch {
	case res.Skipped:
		status = "skipped"
	case res.Appended:
		status = "appended"
	}
	_, _ = fmt.Fprintf(stdout, "%s %s\n", res.URI(), status)
	return exitOK
}

func runReadCmd(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("read <artifact>", stderr)
	var version, out string
	fs.StringVar(&version, "version", "", "version name (default: latest)")
	fs.StringVar(&out, "out", "", "write the payload to this file instead of stdout")
	pos, code := parseFlags(fs, args, 1, stderr)
	if code >= 0 {
		return code
	}

	ctx := context.Background()
	e, err := newEnv(ctx, stderr)
	if err != nil {
		return fail(stderr, err)
	}
	defer e.close(ctx)

	art, err := e.open(ctx, pos[0])
	if err != nil {
		return fail(stderr, err)
	}
	v, err := art.ReadString(ctx, version)
	if err != nil {
		return fail(stderr, err)
	}
	loc, err := v.DataLocation(ctx)
	if err != nil {
		return fail(stderr, err)
	}
	payload, err := e.backend.Read(ctx, loc)
	if err != nil {
		return fail(stderr, err)
	}
	if out != "" {
		if err := os.WriteFile(out, payload, 0o644); err != nil {
			return fail(stderr, err)
		}
		_, _ = fmt.Fprintf(stdout, "%s -> %s\n", v.URI(), out)
		return exitOK
	}
	_, _ = stdout.Write(payload)
	return exitOK
}

func runVersionsCmd(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("versions <artifact>", stderr)
	var all bool
	fs.BoolVar(&all, "all", false, "include registered names whose write never completed")
	pos, code := parseFlags(fs, args, 1, stderr)
	if code >= 0 {
		return code
	}

	ctx := context.Background()
	e, err := newEnv(ctx, stderr)
	if err != nil {
		return fail(stderr, err)
	}
	defer e.close(ctx)

	art, err := e.open(ctx, pos[0])
	if err != nil {
		return fail(stderr, err)
	}
	list := art.VersionNames
	if all {
		list = art.AllVersionNames
	}
	names, err := list(ctx)
	if err != nil {
		return fail(stderr, err)
	}
	for _, n := range names {
		_, _ = fmt.Fprintln(stdout, n)
	}
	return exitOK
}

func runLatestCmd(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("latest <artifact>", stderr)
	pos, code := parseFlags(fs, args, 1, stderr)
	if code >= 0 {
		return code
	}

	ctx := context.Background()
	e, err := newEnv(ctx, stderr)
	if err != nil {
		return fail(stderr, err)
	}
	defer e.close(ctx)

	art, err := e.open(ctx, pos[0])
	if err != nil {
		return fail(stderr, err)
	}
	name, err := art.LatestVersionName(ctx)
	if err != nil {
		return fail(stderr, err)
	}
	_, _ = fmt.Fprintln(stdout, name)
	return exitOK
}

func runManifestCmd(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("manifest <artifact>", stderr)
	var version string
	fs.StringVar(&version, "version", "", "version name (default: latest)")
	pos, code := parseFlags(fs, args, 1, stderr)
	if code >= 0 {
		return code
	}

	ctx := context.Background()
	e, err := newEnv(ctx, stderr)
	if err != nil {
		return fail(stderr, err)
	}
	defer e.close(ctx)

	art, err := e.open(ctx, pos[0])
	if err != nil {
		return fail(stderr, err)
	}
	v, err := art.ReadString(ctx, version)
	if err != nil {
		return fail(stderr, err)
	}
	m, err := v.Manifest(ctx)
	if err != nil {
		return fail(stderr, err)
	}
	encoded, err := m.Encode()
	if err != nil {
		return fail(stderr, err)
	}
	_, _ = stdout.Write(encoded)
	return exitOK
}

func runDeleteCmd(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("delete <artifact> <version>", stderr)
	pos, code := parseFlags(fs, args, 2, stderr)
	if code >= 0 {
		return code
	}
	name, err := versionname.Parse(pos[1])
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitUsage
	}

	ctx := context.Background()
	e, err := newEnv(ctx, stderr)
	if err != nil {
		return fail(stderr, err)
	}
	defer e.close(ctx)

	art, err := e.open(ctx, pos[0])
	if err != nil {
		return fail(stderr, err)
	}
	if err := art.DeleteVersion(ctx, name); err != nil {
		return fail(stderr, err)
	}
	_, _ = fmt.Fprintf(stdout, "deleted %s/%s\n", art.Name(), name)
	return exitOK
}
