// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// Response revisers: gzip and deflate compression of text-ish bodies.

package webserv

import (
	"bytes"
	"strings"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
)

type compressionType int8

const (
	compressionNone compressionType = iota
	compressionGzip
	compressionDeflate
)

// acceptedCompression picks the first supported coding from an
// Accept-Encoding value.
func acceptedCompression(acceptEncoding string) compressionType {
	lower := strings.ToLower(acceptEncoding)
	if strings.Contains(lower, "gzip") {
		return compressionGzip
	}
	if strings.Contains(lower, "deflate") {
		return compressionDeflate
	}
	return compressionNone
}

func encodingHeader(t compressionType) string {
	switch t {
	case compressionGzip:
		return "gzip"
	case compressionDeflate:
		return "deflate"
	}
	return ""
}

// compressBody encodes data with the chosen coding. On failure the input
// comes back unchanged so the caller can skip the revision.
func compressBody(data []byte, t compressionType) []byte {
	var out bytes.Buffer
	switch t {
	case compressionGzip:
		w := gzip.NewWriter(&out)
		if _, err := w.Write(data); err != nil {
			w.Close()
			return data
		}
		if err := w.Close(); err != nil {
			return data
		}
	case compressionDeflate:
		w, err := flate.NewWriter(&out, flate.DefaultCompression)
		if err != nil {
			return data
		}
		if _, err := w.Write(data); err != nil {
			w.Close()
			return data
		}
		if err := w.Close(); err != nil {
			return data
		}
	default:
		return data
	}
	return out.Bytes()
}
