package wal

import (
	"encoding/binary"
	"fmt"
	"io"
)

var logMagic = [4]byte{'P', 'K', 'L', '0'}

const (
	headerFormatVersion = uint16(1)
	headerLen           = 16

	flagCompressed = uint16(1)
)

type headerInfo struct {
	Compressed bool
	KeySize    int
}

func writeHeader(w io.Writer, info headerInfo) error {
	var buf [headerLen]byte
	copy(buf[0:4], logMagic[:])
	binary.LittleEndian.PutUint16(buf[4:6], headerFormatVersion)
	var flags uint16
	if info.Compressed {
		flags |= flagCompressed
	}
	binary.LittleEndian.PutUint16(buf[6:8], flags)
	binary.LittleEndian.PutUint16(buf[8:10], uint16(info.KeySize))
	// buf[10:16] reserved
	_, err := w.Write(buf[:])
	return err
}

func readHeader(r io.ReaderAt) (headerInfo, error) {
	var buf [headerLen]byte
	if _, err := r.ReadAt(buf[:], 0); err != nil {
		return headerInfo{}, fmt.Errorf("read log header: %w", err)
	}
	if [4]byte(buf[0:4]) != logMagic {
		return headerInfo{}, ErrBadMagic
	}
	if v := binary.LittleEndian.Uint16(buf[4:6]); v != headerFormatVersion {
		return headerInfo{}, fmt.Errorf("%w: header version %d", ErrBadFormat, v)
	}
	flags := binary.LittleEndian.Uint16(buf[6:8])
	keySize := int(binary.LittleEndian.Uint16(buf[8:10]))
	if keySize > 255 {
		return headerInfo{}, fmt.Errorf("%w: key size %d", ErrBadFormat, keySize)
	}
	return headerInfo{
		Compressed: flags&flagCompressed != 0,
		KeySize:    keySize,
	}, nil
}
