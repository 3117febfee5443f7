// Package shell implements the interactive command loop over an engine.
package shell

import (
	"bufio"
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"

	"pagefs/internal/disk"
	"pagefs/internal/engine"
	"pagefs/internal/logging"
)

var (
	logger = logging.GetLogger().WithPrefix("shell")

	// ErrUsage indicates a malformed command line
	ErrUsage = errors.New("usage")

	errQuit = errors.New("quit")
)

type command struct {
	usage string
	run   func(s *Shell, args string) error
}

var commands map[string]command

func init() {
	commands = map[string]command{
		"quit":     {"quit", func(*Shell, string) error { return errQuit }},
		"help":     {"help", (*Shell).help},
		"dump":     {"dump PAGE", (*Shell).dump},
		"usage":    {"usage", (*Shell).usage},
		"pwd":      {"pwd", (*Shell).pwd},
		"cd":       {"cd PATH", (*Shell).cd},
		"ls":       {"ls", (*Shell).ls},
		"mkdir":    {"mkdir NAME", (*Shell).mkdir},
		"cat":      {"cat NAME", (*Shell).cat},
		"write":    {"write NAME COUNT HEX", (*Shell).write},
		"append":   {"append NAME COUNT HEX", (*Shell).append},
		"getpages": {"getpages NAME", (*Shell).getpages},
		"get":      {"get NAME START END", (*Shell).get},
		"rmdir":    {"rmdir NAME", (*Shell).rmdir},
		"rm":       {"rm [-rf] NAME", (*Shell).rm},
		"scandisk": {"scandisk", (*Shell).scandisk},
	}
}

// Shell reads commands line by line and runs them against an engine,
// flushing after every command.
type Shell struct {
	eng    *engine.Engine
	in     *bufio.Scanner
	out    io.Writer
	prompt string
}

// New returns a shell reading from in and writing to out. An empty prompt
// disables prompting.
func New(eng *engine.Engine, in io.Reader, out io.Writer, prompt string) *Shell {
	scanner := bufio.NewScanner(in)
	// write payloads are hex encoded on one line
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	return &Shell{eng: eng, in: scanner, out: out, prompt: prompt}
}

// Run processes commands until quit, end of input, or ctx is done.
func (s *Shell) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if s.prompt != "" {
			fmt.Fprint(s.out, s.prompt)
		}
		if !s.in.Scan() {
			return s.in.Err()
		}

		err := s.Execute(s.in.Text())
		if errors.Is(err, errQuit) {
			logger.Debug("Quit requested")
			return nil
		}
		if err != nil {
			fmt.Fprintf(s.out, "error: %v\n", err)
		}
	}
}

// Execute runs a single command line. The engine is flushed afterwards
// whether or not the command succeeded.
func (s *Shell) Execute(line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	name, args, _ := strings.Cut(line, " ")
	args = strings.TrimSpace(args)

	cmd, ok := commands[name]
	if !ok {
		return fmt.Errorf("unknown command %q, try help", name)
	}
	logger.Debug("Running %q", line)
	err := cmd.run(s, args)
	if errors.Is(err, ErrUsage) {
		err = fmt.Errorf("%w: %s", ErrUsage, cmd.usage)
	}
	if ferr := s.eng.Flush(); ferr != nil {
		logger.Error("Flush after %q failed: %v", name, ferr)
		if err == nil {
			err = ferr
		}
	}
	return err
}

func (s *Shell) help(string) error {
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintln(s.out, commands[name].usage)
	}
	return nil
}

func (s *Shell) dump(args string) error {
	page, err := strconv.Atoi(args)
	if err != nil {
		return ErrUsage
	}
	data, err := s.eng.Dump(disk.PageID(page))
	if err != nil {
		return err
	}
	return Hexdump(s.out, data)
}

func (s *Shell) usage(string) error {
	return PrintUsage(s.out, s.eng.Usage())
}

func (s *Shell) pwd(string) error {
	path, err := s.eng.Pwd()
	if err != nil {
		return err
	}
	fmt.Fprintln(s.out, path)
	return nil
}

func (s *Shell) cd(args string) error {
	if args == "" {
		return ErrUsage
	}
	return s.eng.Cd(args)
}

func (s *Shell) ls(string) error {
	entries, err := s.eng.Ls()
	if err != nil {
		return err
	}
	for _, ent := range entries {
		kind := "f"
		if ent.IsDir() {
			kind = "d"
		}
		fmt.Fprintf(s.out, "%s %d %s\n", kind, s.eng.Size(ent), ent.Name())
	}
	return nil
}

func (s *Shell) mkdir(args string) error {
	if args == "" {
		return ErrUsage
	}
	return s.eng.Mkdir(args)
}

func (s *Shell) cat(args string) error {
	if args == "" {
		return ErrUsage
	}
	r, err := s.eng.OpenReader(args)
	if err != nil {
		return err
	}
	return copyLine(s.out, r)
}

// copyLine copies r to w and terminates the output with a newline.
func copyLine(w io.Writer, r io.Reader) error {
	bw := bufio.NewWriter(w)
	if _, err := io.Copy(bw, r); err != nil {
		return err
	}
	bw.WriteByte('\n')
	return bw.Flush()
}

// payload parses "NAME COUNT HEX" and returns the name and COUNT decoded
// bytes.
func payload(args string) (string, []byte, error) {
	fields := strings.Fields(args)
	if len(fields) != 3 {
		return "", nil, ErrUsage
	}
	count, err := strconv.Atoi(fields[1])
	if err != nil || count < 0 {
		return "", nil, ErrUsage
	}
	data, err := hex.DecodeString(fields[2])
	if err != nil {
		return "", nil, fmt.Errorf("bad payload: %w", err)
	}
	if len(data) < count {
		return "", nil, fmt.Errorf("bad payload: %d bytes given, %d announced", len(data), count)
	}
	return fields[0], data[:count], nil
}

func (s *Shell) write(args string) error {
	name, data, err := payload(args)
	if err != nil {
		return err
	}
	return s.eng.Write(name, data)
}

func (s *Shell) append(args string) error {
	name, data, err := payload(args)
	if err != nil {
		return err
	}
	return s.eng.Append(name, data)
}

func (s *Shell) getpages(args string) error {
	if args == "" {
		return ErrUsage
	}
	pages, err := s.eng.GetPages(args)
	if err != nil {
		return err
	}
	ids := make([]string, len(pages))
	for i, p := range pages {
		ids[i] = strconv.Itoa(int(p))
	}
	fmt.Fprintln(s.out, strings.Join(ids, ", "))
	return nil
}

func (s *Shell) get(args string) error {
	fields := strings.Fields(args)
	if len(fields) != 3 {
		return ErrUsage
	}
	start, err1 := strconv.ParseInt(fields[1], 10, 64)
	end, err2 := strconv.ParseInt(fields[2], 10, 64)
	if err1 != nil || err2 != nil || start < 0 || end < start {
		return ErrUsage
	}
	data, err := s.eng.ReadRange(fields[0], start, end)
	if err != nil {
		return err
	}
	return copyLine(s.out, bytes.NewReader(data))
}

func (s *Shell) rmdir(args string) error {
	if args == "" {
		return ErrUsage
	}
	return s.eng.Rmdir(args)
}

func (s *Shell) rm(args string) error {
	if name, ok := strings.CutPrefix(args, "-rf "); ok {
		name = strings.TrimSpace(name)
		if name == "" {
			return ErrUsage
		}
		return s.eng.RmForce(name)
	}
	if args == "" || args == "-rf" {
		return ErrUsage
	}
	return s.eng.Rm(args)
}

func (s *Shell) scandisk(string) error {
	report := s.eng.Scandisk()
	fmt.Fprintf(s.out, "%d records scanned, %d orphaned pages reclaimed\n", report.Records, len(report.Reclaimed))
	for _, p := range report.Reclaimed {
		fmt.Fprintf(s.out, "  freed %d\n", p)
	}
	return nil
}

// Hexdump writes page as rows of two 16-byte groups.
func Hexdump(w io.Writer, page []byte) error {
	bw := bufio.NewWriter(w)
	for i, b := range page {
		fmt.Fprintf(bw, "%02x ", b)
		switch {
		case (i+1)%32 == 0:
			bw.WriteString("\n")
		case (i+1)%16 == 0:
			bw.WriteString("   ")
		}
	}
	if len(page)%32 != 0 {
		bw.WriteString("\n")
	}
	return bw.Flush()
}

// PrintUsage writes the space table for the root region and the pool.
func PrintUsage(w io.Writer, u engine.Usage) error {
	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "File System\tSize\tUsed\tAvailable")
	fmt.Fprintf(tw, "Root Sector\t%d\t%d\t%d\n", u.RootRegionBytes, u.RootRegionUsed, u.RootRegionBytes-u.RootRegionUsed)
	fmt.Fprintf(tw, "Files\t%d\t%d\t%d\n", u.PoolBytes, u.PoolUsed, u.PoolAvailable)
	return tw.Flush()
}
