// Package journal is the append-only transition log. Every applied state
// machine transition writes one JSON line here before the caller is answered,
// and a follower batches the lines into MySQL for querying.
package journal

import (
	"bufio"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/nxadm/tail"
)

type Journal struct {
	File     *os.File
	FilePath string

	ToMySQLHandler func([]string) error
}

func New(filePath string) (j *Journal, err error) {
	j = &Journal{
		FilePath: filePath,
	}
	err = j.Open()

	return
}

func (j *Journal) Open() (err error) {
	err = os.MkdirAll(filepath.Dir(j.FilePath), 0755)
	if err != nil {
		return
	}

	j.File, err = os.OpenFile(j.FilePath, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0644)
	if err != nil {
		return
	}
	return
}

func (j *Journal) Close() (err error) {
	if j.File == nil {
		return
	}

	err = j.File.Close()
	if err != nil {
		return
	}

	j.File = nil

	return
}

func (j *Journal) WriteLine(s string) (err error) {
	_, err = j.File.WriteString(s)
	if err != nil {
		return
	}

	return
}

// ReadLastLine reads the last non-empty line of the file
func (j *Journal) ReadLastLine() (s string, err error) {
	stat, err := j.File.Stat()
	if err != nil {
		return
	}

	// Since we don't know how many bytes the last line has, try to read the
	// last 1024 bytes, and extract the last line based on \n
	var b []byte
	var off int64
	size := stat.Size()
	if size < 1024 {
		b = make([]byte, size)
	} else {
		b = make([]byte, 1024)
		off = size - 1024
	}

	_, err = j.File.ReadAt(b, off)
	if err != nil {
		return
	}

	txt := strings.Trim(string(b), " \n")
	txts := strings.Split(txt, "\n")

	if len(txts) == 0 {
		return
	}

	s = txts[len(txts)-1]

	return
}

// ReadFirstLine reads the first non-empty line of the file
func (j *Journal) ReadFirstLine() (s string, err error) {
	_, err = j.File.Seek(0, 0)
	if err != nil {
		return
	}

	reader := bufio.NewReader(j.File)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				break
			}
			return "", err
		}

		line = strings.TrimSpace(line)
		if line != "" {
			s = line
			return s, nil
		}
	}

	return "", io.EOF
}

// Tailf continuously monitors new lines and passes them to ch
func (j *Journal) Tailf(ch chan<- string) (err error) {
	ta, err := tail.TailFile(j.FilePath, tail.Config{
		Follow:        true,
		ReOpen:        true,
		CompleteLines: true,
	})
	if err != nil {
		return
	}

	for line := range ta.Lines {
		if line.Err != nil {
			// a broken line means the file is in a bad state, stop instead of
			// skipping and reordering the log
			err = line.Err
			return
		}

		ch <- line.Text
	}

	return
}

// ToMySQL reads batches of lines from ch and hands them to ToMySQLHandler.
func (j *Journal) ToMySQL(ch <-chan string) (err error) {
	ss := make([]string, 100)

	for {
		size := 1
		if len(ch) > 1 {
			if len(ch) < len(ss) {
				size = len(ch)
			} else {
				size = len(ss)
			}
		}

		var ok bool
		for i := 0; i < size; i++ {
			ss[i], ok = <-ch
			if !ok {
				return nil
			}
		}

		if j.ToMySQLHandler == nil {
			continue
		}

		err = j.ToMySQLHandler(ss[:size])
		if err != nil {
			return
		}
	}
}
