package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/witnz/auditvault/internal/audit"
)

func main() {
	if len(os.Args) != 3 {
		fmt.Fprintf(os.Stderr, "Usage: %s <segment-path> <line-number>\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "This tool rewrites the action of one stored event without updating its hashes\n")
		os.Exit(1)
	}

	path := os.Args[1]
	line, err := strconv.Atoi(os.Args[2])
	if err != nil || line < 1 {
		fmt.Fprintf(os.Stderr, "Invalid line number: %s\n", os.Args[2])
		os.Exit(1)
	}
	compressed := strings.HasSuffix(path, ".gz")

	fmt.Printf("Opening segment: %s\n", path)
	fmt.Printf("Target line: %d\n", line)

	info, err := os.Stat(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to stat segment: %v\n", err)
		os.Exit(1)
	}

	lines, err := readSegment(path, compressed)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read segment: %v\n", err)
		os.Exit(1)
	}
	if line > len(lines) {
		fmt.Fprintf(os.Stderr, "Segment has only %d lines\n", len(lines))
		os.Exit(1)
	}

	var stored audit.StoredEvent
	if err := json.Unmarshal(lines[line-1], &stored); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse line %d: %v\n", line, err)
		os.Exit(1)
	}

	fmt.Printf("Found event %s (index=%d)\n", stored.Event.EventID, stored.StorageIndex)
	fmt.Printf("  Original Action: %s\n", stored.Event.Action)
	stored.Event.Action += "_tampered"
	fmt.Printf("  Tampered Action: %s\n", stored.Event.Action)
	fmt.Printf("  Hash (unchanged): %s\n", stored.Event.Hash[:32]+"...")

	rewritten, err := stored.Marshal()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to encode event: %v\n", err)
		os.Exit(1)
	}
	lines[line-1] = rewritten

	// Archives are read-only.
	if err := os.Chmod(path, 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to make segment writable: %v\n", err)
		os.Exit(1)
	}
	defer os.Chmod(path, info.Mode().Perm())

	if err := writeSegment(path, compressed, lines); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to write segment: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("\nSegment tampered successfully!")
	fmt.Println("Run 'auditvault verify' to detect the modification.")
}

func readSegment(path string, compressed bool) ([][]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var r io.Reader = f
	if compressed {
		zr, err := gzip.NewReader(f)
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		r = zr
	}

	var lines [][]byte
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		lines = append(lines, bytes.Clone(scanner.Bytes()))
	}
	return lines, scanner.Err()
}

func writeSegment(path string, compressed bool, lines [][]byte) error {
	var buf bytes.Buffer
	var w io.Writer = &buf
	var zw *gzip.Writer
	if compressed {
		zw = gzip.NewWriter(&buf)
		w = zw
	}
	for _, l := range lines {
		if _, err := w.Write(append(l, '\n')); err != nil {
			return err
		}
	}
	if zw != nil {
		if err := zw.Close(); err != nil {
			return err
		}
	}
	return os.WriteFile(path, buf.Bytes(), 0o644)
}
