package savefile

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"

	securejoin "github.com/cyphar/filepath-securejoin"
)

// Extension is the file suffix of managed-save images.
const Extension = ".save"

// PathFor returns the image path for the domain with the given UUID string,
// confined to saveDir.
func PathFor(saveDir, uuid string) (string, error) {
	p, err := securejoin.SecureJoin(saveDir, uuid+Extension)
	if err != nil {
		return "", fmt.Errorf("resolve save path for %s: %w", uuid, err)
	}
	return p, nil
}

// Write creates the image at path: header, definition text, then whatever
// writeState streams. The image is written to a temporary file in the same
// directory and renamed into place, so a partial image is never observed.
func Write(path string, xml []byte, writeState func(io.Writer) error) error {
	hdr, err := Encode(len(xml))
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create save directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp image: %w", err)
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	w := bufio.NewWriter(tmp)
	if _, err := w.Write(hdr); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	if _, err := w.Write(xml); err != nil {
		return fmt.Errorf("write definition: %w", err)
	}
	if writeState != nil {
		if err := writeState(w); err != nil {
			return fmt.Errorf("write state: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("flush image: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync image: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close image: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename image: %w", err)
	}
	committed = true
	return nil
}

// Image is an opened managed-save image. State is positioned at the start of
// the toolstack state stream. Close must be called when done.
type Image struct {
	Header Header
	XML    []byte
	State  io.Reader

	f *os.File
}

// Open reads the header and definition of the image at path. maxXML bounds the
// declared definition length; zero means no bound.
func Open(path string, maxXML int64) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	img, err := readImage(f, maxXML)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("read image %s: %w", path, err)
	}
	img.f = f
	return img, nil
}

func readImage(f *os.File, maxXML int64) (*Image, error) {
	r := bufio.NewReader(f)

	buf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, ErrShortHeader
		}
		return nil, err
	}
	hdr, err := Decode(buf)
	if err != nil {
		return nil, err
	}
	if maxXML > 0 && int64(hdr.XMLLen) > maxXML {
		return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrPayloadTooLarge, hdr.XMLLen, maxXML)
	}

	xml := make([]byte, hdr.XMLLen)
	if _, err := io.ReadFull(r, xml); err != nil {
		return nil, fmt.Errorf("read definition: %w", err)
	}

	return &Image{Header: hdr, XML: xml, State: r}, nil
}

// Close closes the underlying file.
func (i *Image) Close() error {
	if i.f == nil {
		return nil
	}
	return i.f.Close()
}

// Exists reports whether an image is present at path.
func Exists(path string) bool {
	st, err := os.Stat(path)
	return err == nil && st.Mode().IsRegular()
}
