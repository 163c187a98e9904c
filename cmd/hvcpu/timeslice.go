package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/ryujinx-mirror/ryujinx-sub040/internal/timeslice"
)

type sliceSummary struct {
	name  string
	flags timeslice.SliceFlags
	count int
	sum   time.Duration
	min   time.Duration
	max   time.Duration
}

func (s *sliceSummary) add(d time.Duration) {
	s.count++
	s.sum += d
	if s.count == 1 || d < s.min {
		s.min = d
	}
	if d > s.max {
		s.max = d
	}
}

func (s *sliceSummary) String() string {
	return fmt.Sprintf("%32s flags=%-8s count=%8d sum=%14s min=%12s max=%12s avg=%12s",
		s.name, s.flags, s.count, s.sum, s.min, s.max, s.sum/time.Duration(s.count))
}

func runTimeslice(args []string) error {
	fs := flag.NewFlagSet("timeslice", flag.ExitOnError)
	file := fs.String("file", "", "Timeslice recording to read")
	sums := fs.Bool("sums", false, "Summarize durations per kind")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *file == "" {
		fs.Usage()
		return fmt.Errorf("-file required")
	}

	f, err := os.Open(*file)
	if err != nil {
		return fmt.Errorf("open timeslice recording: %w", err)
	}
	defer f.Close()

	if !*sums {
		return timeslice.ReadAllRecords(f, func(name string, flags timeslice.SliceFlags, d time.Duration) error {
			fmt.Printf("%s %s %s\n", name, flags, d)
			return nil
		})
	}

	summaries := map[string]*sliceSummary{}
	var order []string
	err = timeslice.ReadAllRecords(f, func(name string, flags timeslice.SliceFlags, d time.Duration) error {
		s, ok := summaries[name]
		if !ok {
			s = &sliceSummary{name: name, flags: flags}
			summaries[name] = s
			order = append(order, name)
		}
		s.add(d)
		return nil
	})
	if err != nil {
		return err
	}
	for _, name := range order {
		fmt.Println(summaries[name])
	}
	return nil
}
