package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/gogpu/psocache"
	"github.com/gogpu/psocache/cache"
)

// report is the outcome of a simulation run. It is written with --dump and
// read back by the inspect command.
type report struct {
	Scenario string        `msgpack:"scenario"`
	Adapter  string        `msgpack:"adapter"`
	Frames   uint64        `msgpack:"frames"`
	Elapsed  time.Duration `msgpack:"elapsed"`

	Installed uint64 `msgpack:"installed"`
	Requested uint64 `msgpack:"requested"`
	Failed    uint64 `msgpack:"failed"`
	Collected int    `msgpack:"collected"`

	Live    int `msgpack:"live"`
	Invalid int `msgpack:"invalid"`

	Stats psocache.Stats `msgpack:"stats"`
}

func writeReport(path string, rep *report) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := msgpack.NewEncoder(f).Encode(rep); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to encode report: %w", err)
	}
	return f.Close()
}

func readReport(path string) (*report, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var rep report
	if err := msgpack.NewDecoder(f).Decode(&rep); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return &rep, nil
}

// print writes a human readable summary.
func (r *report) print(w io.Writer) {
	p := message.NewPrinter(language.English)

	p.Fprintf(w, "scenario %s on %s: %d frames in %v\n", r.Scenario, r.Adapter, r.Frames, r.Elapsed.Round(time.Millisecond))
	p.Fprintf(w, "  installs   %d installed, %d requested, %d failed\n", r.Installed, r.Requested, r.Failed)
	p.Fprintf(w, "  collected  %d\n", r.Collected)
	printCache(p, w, "shaders", r.Stats.Shaders)
	printCache(p, w, "render", r.Stats.RenderPipelines)
	printCache(p, w, "compute", r.Stats.ComputePipelines)
	if r.Live != 0 || r.Invalid != 0 {
		p.Fprintf(w, "  %s %d live, %d invalid destroys\n", failedColor.Sprint("leaked"), r.Live, r.Invalid)
	}
}

func printCache(p *message.Printer, w io.Writer, name string, s cache.Stats) {
	p.Fprintf(w, "  %-9s  keys %d  install hit %.1f%%  created %d  failed %d  evicted %d\n",
		name, s.Keys, 100*s.HitRate(), s.Created, s.Failed, s.Evicted)
}
