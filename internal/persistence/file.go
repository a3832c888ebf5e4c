// Package persistence archives finished test records as gzipped JSON files.
package persistence

import (
	"compress/gzip"
	"encoding/json"
	"errors"
	"os"
	"path"
	"time"
)

// DataFile describes an archived record.
type DataFile struct {
	Prefix   string
	Datatype string
	Host     string
	TestID   string
	// Path is the path of the archive file.
	Path string
	// Size is the length of the uncompressed JSON document.
	Size int
}

func filePath(datadir, datatype, host, testID string, t time.Time) (string, string) {
	dir := path.Join(datadir, datatype, t.Format("2006/01/02"))
	name := datatype + "-" + host + "-" + t.Format("20060102T150405.000000000Z") +
		"." + testID + ".json.gz"
	return dir, path.Join(dir, name)
}

// WriteDataFile writes the JSON representation of record to a new file
// under datadir/datatype/YYYY/MM/DD. Existing files are never overwritten.
func WriteDataFile(datadir, datatype, host, testID string, record any) (*DataFile, error) {
	data, err := json.Marshal(record)
	if err != nil {
		return nil, err
	}
	dir, fpath := filePath(datadir, datatype, host, testID, time.Now().UTC())
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	fp, err := os.OpenFile(fpath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return nil, err
	}
	writer, err := gzip.NewWriterLevel(fp, gzip.BestSpeed)
	if err != nil {
		fp.Close()
		return nil, err
	}
	if _, err := writer.Write(data); err != nil {
		return nil, errors.Join(err, writer.Close(), fp.Close())
	}
	if err := writer.Close(); err != nil {
		fp.Close()
		return nil, err
	}
	if err := fp.Close(); err != nil {
		return nil, err
	}
	return &DataFile{
		Prefix:   datadir,
		Datatype: datatype,
		Host:     host,
		TestID:   testID,
		Path:     fpath,
		Size:     len(data),
	}, nil
}
