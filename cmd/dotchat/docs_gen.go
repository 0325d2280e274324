package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"

	"github.com/dotsetgreg/dotchat/pkg/agent"
	"github.com/dotsetgreg/dotchat/pkg/config"
	"github.com/dotsetgreg/dotchat/pkg/protocol"
	"github.com/dotsetgreg/dotchat/pkg/providers"
	"github.com/spf13/cobra"
	cobraDoc "github.com/spf13/cobra/doc"
)

const (
	cliDocsDir = "reference/cli"
	manDocsDir = "reference/man"
)

func newDocsCommand(rootFactory func() *cobra.Command) *cobra.Command {
	docsRoot := &cobra.Command{
		Use:    "docs",
		Short:  "Internal docs maintenance commands",
		Hidden: true,
	}

	var (
		outputDir string
		checkOnly bool
	)

	gen := &cobra.Command{
		Use:   "generate",
		Short: "Generate CLI, config, provider, and event reference docs",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(outputDir) == "" {
				return fmt.Errorf("--output must not be empty")
			}
			return generateDocumentation(rootFactory, outputDir, checkOnly)
		},
	}
	gen.Flags().StringVar(&outputDir, "output", "docs", "Docs directory root")
	gen.Flags().BoolVar(&checkOnly, "check", false, "Fail if generated docs are out of date")

	docsRoot.AddCommand(gen)
	return docsRoot
}

// docSet maps slash-separated paths under the docs root to file contents.
// Generated directories are owned entirely by the generator: files in them
// that the set does not name are stale.
type docSet map[string][]byte

func generateDocumentation(rootFactory func() *cobra.Command, outputDir string, checkOnly bool) error {
	docs, err := buildDocSet(rootFactory())
	if err != nil {
		return err
	}
	if checkOnly {
		return docs.check(outputDir)
	}
	return docs.write(outputDir)
}

func buildDocSet(root *cobra.Command) (docSet, error) {
	docs := docSet{}
	if err := addCommandDocs(docs, root); err != nil {
		return nil, err
	}

	for name, build := range map[string]func() string{
		"reference/config.md":    buildConfigReferenceMarkdown,
		"reference/providers.md": buildProvidersReferenceMarkdown,
	} {
		docs[name] = []byte(build())
	}
	events, err := buildEventsReferenceMarkdown()
	if err != nil {
		return nil, err
	}
	docs["reference/events.md"] = []byte(events)
	return docs, nil
}

// addCommandDocs renders a markdown page and a man page for cmd and every
// visible subcommand.
func addCommandDocs(docs docSet, cmd *cobra.Command) error {
	cmd.DisableAutoGenTag = true
	base := strings.ReplaceAll(cmd.CommandPath(), " ", "_")

	var md bytes.Buffer
	md.WriteString("# " + cmd.CommandPath() + "\n\n")
	if err := cobraDoc.GenMarkdownCustom(cmd, &md, func(name string) string { return name }); err != nil {
		return fmt.Errorf("markdown for %s: %w", cmd.CommandPath(), err)
	}
	docs[cliDocsDir+"/"+base+".md"] = md.Bytes()

	var man bytes.Buffer
	header := &cobraDoc.GenManHeader{
		Title:   strings.ToUpper(strings.ReplaceAll(cmd.CommandPath(), " ", "-")),
		Section: "1",
		Source:  appName + " " + version,
	}
	if err := cobraDoc.GenMan(cmd, header, &man); err != nil {
		return fmt.Errorf("man page for %s: %w", cmd.CommandPath(), err)
	}
	docs[manDocsDir+"/"+strings.ReplaceAll(cmd.CommandPath(), " ", "-")+".1"] = man.Bytes()

	for _, child := range cmd.Commands() {
		if !child.IsAvailableCommand() || child.IsAdditionalHelpTopicCommand() {
			continue
		}
		if err := addCommandDocs(docs, child); err != nil {
			return err
		}
	}
	return nil
}

func (d docSet) names() []string {
	names := make([]string, 0, len(d))
	for name := range d {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (d docSet) write(root string) error {
	for _, dir := range []string{cliDocsDir, manDocsDir} {
		if err := os.RemoveAll(filepath.Join(root, filepath.FromSlash(dir))); err != nil {
			return fmt.Errorf("clear %s: %w", dir, err)
		}
	}
	for _, name := range d.names() {
		path := filepath.Join(root, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("create parent dir for %s: %w", name, err)
		}
		if err := os.WriteFile(path, d[name], 0o644); err != nil {
			return fmt.Errorf("write %s: %w", name, err)
		}
	}
	return nil
}

// check reports the first generated file that is missing, differs, or is
// stale under root.
func (d docSet) check(root string) error {
	for _, name := range d.names() {
		current, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(name)))
		if err != nil {
			return fmt.Errorf("docs out of date: missing %s; run `dotchat docs generate`", name)
		}
		if !bytes.Equal(current, d[name]) {
			return fmt.Errorf("docs out of date: %s differs; run `dotchat docs generate`", name)
		}
	}

	for _, dir := range []string{cliDocsDir, manDocsDir} {
		fsys := os.DirFS(root)
		err := fs.WalkDir(fsys, dir, func(name string, entry fs.DirEntry, walkErr error) error {
			if walkErr != nil {
				return walkErr
			}
			if entry.IsDir() {
				return nil
			}
			if _, ok := d[name]; !ok {
				return fmt.Errorf("docs out of date: %s is no longer generated; run `dotchat docs generate`", name)
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

type configFieldRow struct {
	Path    string
	Type    string
	Env     string
	Default string
}

func buildConfigReferenceMarkdown() string {
	var rows []configFieldRow
	collectConfigRows(reflect.ValueOf(config.DefaultConfig()).Elem(), "", &rows)
	sort.Slice(rows, func(i, j int) bool { return rows[i].Path < rows[j].Path })

	var b strings.Builder
	b.WriteString("# Config Reference\n\n")
	b.WriteString("Keys of `config.json`, their `DOTCHAT_*` environment overrides, and the values `dotchat onboard` writes.\n\n")
	b.WriteString("| Key | Type | Env Var | Default |\n")
	b.WriteString("| --- | --- | --- | --- |\n")
	for _, row := range rows {
		fmt.Fprintf(&b, "| `%s` | %s | %s | %s |\n", row.Path, row.Type, codeOrDash(row.Env), codeOrDash(row.Default))
	}

	b.WriteString("\n## Legacy Environment Variables\n\n")
	b.WriteString("Read only when the matching setting is still empty.\n\n")
	b.WriteString("| Variable | Applies To |\n")
	b.WriteString("| --- | --- |\n")
	b.WriteString("| `GroqAPIKey` | `provider.api_key` when `provider.name` is `groq` |\n")
	b.WriteString("| `OPENAI_API_KEY` | `provider.api_key` when `provider.name` is `openai` |\n")
	b.WriteString("| `Assistantname` | `assistant.name` |\n")
	b.WriteString("| `Username` | `assistant.user_name` |\n")
	b.WriteString("| `DATABASE_URL` | `storage.database_url` |\n")
	return b.String()
}

// collectConfigRows walks the default config value, so defaults come from
// the same struct the server loads.
func collectConfigRows(v reflect.Value, prefix string, rows *[]configFieldRow) {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		key, _, _ := strings.Cut(field.Tag.Get("json"), ",")
		if !field.IsExported() || key == "" || key == "-" {
			continue
		}
		if prefix != "" {
			key = prefix + "." + key
		}

		value := v.Field(i)
		if value.Kind() == reflect.Struct {
			collectConfigRows(value, key, rows)
			continue
		}

		row := configFieldRow{Path: key, Type: kindName(value.Type()), Env: field.Tag.Get("env")}
		if !value.IsZero() {
			encoded, _ := json.Marshal(value.Interface())
			row.Default = string(encoded)
		}
		*rows = append(*rows, row)
	}
}

func kindName(t reflect.Type) string {
	switch t.Kind() {
	case reflect.Slice:
		return "list of " + kindName(t.Elem())
	case reflect.Float32, reflect.Float64:
		return "number"
	case reflect.Int, reflect.Int64:
		return "integer"
	default:
		return t.Kind().String()
	}
}

func buildProvidersReferenceMarkdown() string {
	var b strings.Builder
	b.WriteString("# Provider Reference\n\n")
	b.WriteString("Registered providers: ")
	names := providers.SupportedProviders()
	for i, name := range names {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("`" + name + "`")
	}
	b.WriteString(".\n\n")

	b.WriteString("## OpenAI-Compatible Backends\n\n")
	b.WriteString("Set `provider.name` to select a backend. `provider.api_base` and `provider.model` override the defaults below.\n\n")
	b.WriteString("| Name | Backend | Default API Base | Default Model | Key Variable |\n")
	b.WriteString("| --- | --- | --- | --- | --- |\n")
	for _, backend := range providers.Backends() {
		fmt.Fprintf(&b, "| `%s` | %s | `%s` | `%s` | `%s` |\n",
			backend.Name, backend.Label, backend.APIBase, backend.Model, backend.EnvHint)
	}

	b.WriteString("\n## `echo`\n\n")
	b.WriteString("Offline backend that answers `You said: <message>`. Needs no credentials.\n")
	return b.String()
}

func buildEventsReferenceMarkdown() (string, error) {
	var b strings.Builder
	b.WriteString("# Websocket Event Reference\n\n")
	b.WriteString("Every frame is a JSON envelope `{\"event\": <name>, \"data\": <payload>}`.\n\n")

	b.WriteString("## Dialects\n\n")
	b.WriteString("`server.dialect` picks the names of the acknowledgement and reply events.\n\n")
	b.WriteString("| Dialect | Acknowledgement | Reply |\n")
	b.WriteString("| --- | --- | --- |\n")
	for _, name := range []string{protocol.DialectClassic, protocol.DialectGroq} {
		d, err := protocol.NewDialect(name)
		if err != nil {
			return "", err
		}
		fmt.Fprintf(&b, "| `%s` | `%s` | `%s` |\n", d.Name(), d.AckEvent(), d.ResponseEvent())
	}

	b.WriteString("\n## Fallback Replies\n\n")
	b.WriteString("A failed generation still produces a reply event carrying one of these texts. The exchange is not stored.\n\n")
	b.WriteString("| Failure | Reply |\n")
	b.WriteString("| --- | --- |\n")
	for _, kind := range []providers.FailureKind{
		providers.FailureRateLimited,
		providers.FailureQuotaExceeded,
		providers.FailureAuth,
		providers.FailureUnknown,
	} {
		fmt.Fprintf(&b, "| `%s` | %s |\n", kind, agent.FallbackMessage(kind))
	}

	b.WriteString("\n## Schemas\n")
	for _, name := range protocol.SchemaNames() {
		data, _, err := protocol.SchemaJSON(name)
		if err != nil {
			return "", fmt.Errorf("render %s schema: %w", name, err)
		}
		fmt.Fprintf(&b, "\n### `%s`\n\n```json\n%s\n```\n", name, data)
	}
	return b.String(), nil
}

func codeOrDash(v string) string {
	if v == "" {
		return "-"
	}
	return "`" + strings.ReplaceAll(v, "|", "\\|") + "`"
}
