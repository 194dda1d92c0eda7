package wal

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/gobwas/glob"

	"github.com/alpacahq/txlog/utils/log"
)

const (
	logFilePrefix = "txlog."
	logFileSuffix = ".walfile"
)

var logFilePattern = glob.MustCompile(logFilePrefix + "*" + logFileSuffix)

// LogFileName returns the file name of a log version.
func LogFileName(version uint64) string {
	return logFilePrefix + strconv.FormatUint(version, 10) + logFileSuffix
}

type Finder struct {
	dirRead func(name string) ([]os.DirEntry, error)
}

func NewFinder(dirRead func(name string) ([]os.DirEntry, error)) *Finder {
	return &Finder{dirRead: dirRead}
}

// Find returns the versions of all "txlog.<version>.walfile" files directly
// under the directory, in ascending order.
func (f *Finder) Find(dir string) ([]uint64, error) {
	var ret []uint64
	files, err := f.dirRead(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("unable to read the directory %s: %w", dir, err)
	}
	for _, file := range files {
		if file.IsDir() {
			continue
		}

		filename := file.Name()
		if !logFilePattern.Match(filename) {
			continue
		}
		digits := strings.TrimSuffix(strings.TrimPrefix(filename, logFilePrefix), logFileSuffix)
		version, err := strconv.ParseUint(digits, 10, 64)
		if err != nil {
			log.Warn("ignoring log file with malformed version: %s", filename)
			continue
		}

		log.Debug("found a log file: %s", filename)
		ret = append(ret, version)
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i] < ret[j] })
	return ret, nil
}
