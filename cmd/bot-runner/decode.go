package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/kubev2v/bot-runner/internal/progress"
	"github.com/spf13/cobra"
	"sigs.k8s.io/yaml"
)

const (
	textFormat = "text"
	jsonFormat = "json"
	yamlFormat = "yaml"
)

type decodedLine struct {
	JobID   string `json:"job_id"`
	Type    string `json:"message_type"`
	Row     int    `json:"row"`
	Time    string `json:"time"`
	Message string `json:"message"`
}

type decodeOptions struct {
	output string
}

func newDecodeCmd() *cobra.Command {
	o := &decodeOptions{}
	cmd := &cobra.Command{
		Use:   "decode [FILE...]",
		Short: "Decode progress lines read from files or stdin",
		Long: `Decode progress lines and print their fields.

Lines are read from the given files, or from stdin when none is given. The
command fails when at least one line is malformed.`,
		RunE: o.Run,
	}
	cmd.Flags().StringVarP(&o.output, "output", "o", textFormat, "output format: text, json or yaml")
	return cmd
}

func (o *decodeOptions) Run(cmd *cobra.Command, args []string) error {
	switch o.output {
	case textFormat, jsonFormat, yamlFormat:
	default:
		return fmt.Errorf("unknown output format %q", o.output)
	}

	malformed := 0
	if len(args) == 0 {
		n, err := o.decode(cmd.InOrStdin(), cmd.OutOrStdout(), cmd.ErrOrStderr())
		if err != nil {
			return err
		}
		malformed += n
	}
	for _, path := range args {
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		n, err := o.decode(f, cmd.OutOrStdout(), cmd.ErrOrStderr())
		_ = f.Close()
		if err != nil {
			return fmt.Errorf("reading %s: %w", path, err)
		}
		malformed += n
	}

	if malformed > 0 {
		return fmt.Errorf("%d malformed lines", malformed)
	}
	return nil
}

// decode prints every line of r and returns the number of malformed ones.
func (o *decodeOptions) decode(r io.Reader, out, errOut io.Writer) (int, error) {
	malformed := 0
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		entry, err := progress.Decode(line)
		if err != nil {
			malformed++
			fmt.Fprintln(errOut, err)
			continue
		}
		if err := o.print(out, entry); err != nil {
			return malformed, err
		}
	}
	return malformed, scanner.Err()
}

func (o *decodeOptions) print(out io.Writer, e progress.Entry) error {
	line := decodedLine{JobID: e.JobID, Type: string(e.Type), Row: e.Row, Time: e.Time.String(), Message: e.Message}

	switch o.output {
	case jsonFormat:
		return json.NewEncoder(out).Encode(line)
	case yamlFormat:
		marshalled, err := yaml.Marshal([]decodedLine{line})
		if err != nil {
			return fmt.Errorf("marshalling line: %w", err)
		}
		_, err = out.Write(marshalled)
		return err
	default:
		_, err := fmt.Fprintf(out, "job=%s type=%s row=%d time=%s message=%q\n", e.JobID, e.Type, e.Row, e.Time, e.Message)
		return err
	}
}
