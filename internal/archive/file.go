package archive

import (
	"bytes"
	"os"

	"github.com/xitongsys/parquet-go/source"
)

// memoryFile implements source.ParquetFile over a byte buffer so a whole
// parquet file is assembled in memory before one atomic write to disk.
type memoryFile struct {
	buffer *bytes.Buffer
}

func newMemoryFile() *memoryFile {
	return &memoryFile{buffer: &bytes.Buffer{}}
}

func (m *memoryFile) Create(name string) (source.ParquetFile, error) { return m, nil }
func (m *memoryFile) Open(name string) (source.ParquetFile, error)  { return m, nil }

func (m *memoryFile) Seek(offset int64, whence int) (int64, error) {
	return int64(m.buffer.Len()), nil
}

func (m *memoryFile) Read(b []byte) (int, error)  { return m.buffer.Read(b) }
func (m *memoryFile) Write(b []byte) (int, error) { return m.buffer.Write(b) }
func (m *memoryFile) Close() error                { return nil }
func (m *memoryFile) Bytes() []byte               { return m.buffer.Bytes() }

// localFile adapts an os.File to source.ParquetFile for reading archived
// days back off disk.
type localFile struct {
	path string
	file *os.File
}

func openLocalFile(path string) (*localFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	return &localFile{path: path, file: f}, nil
}

func (l *localFile) Create(name string) (source.ParquetFile, error) {
	f, err := os.Create(name)
	if err != nil {
		return nil, err
	}
	return &localFile{path: name, file: f}, nil
}

// Open reopens the file. The parquet reader calls it with an empty name,
// expecting a fresh handle on the same file.
func (l *localFile) Open(name string) (source.ParquetFile, error) {
	if name == "" {
		name = l.path
	}
	return openLocalFile(name)
}

func (l *localFile) Seek(offset int64, whence int) (int64, error) {
	return l.file.Seek(offset, whence)
}

func (l *localFile) Read(b []byte) (int, error)  { return l.file.Read(b) }
func (l *localFile) Write(b []byte) (int, error) { return l.file.Write(b) }
func (l *localFile) Close() error                { return l.file.Close() }
