// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// Byte-range slicing. Only single ranges are honored; multi-range
// requests fall back to the full body.

package webserv

import (
	"fmt"
	"strconv"
	"strings"
)

// ByteRange is one satisfiable range over a body of known length.
type ByteRange struct {
	Start int64
	End   int64 // inclusive
}

// parseRangeHeader parses "bytes=..." into the satisfiable ranges.
func parseRangeHeader(rangeHeader string, contentLength int64) []ByteRange {
	if rangeHeader == "" || contentLength == 0 || !strings.HasPrefix(rangeHeader, "bytes=") {
		return nil
	}
	var ranges []ByteRange
	for _, spec := range strings.Split(rangeHeader[len("bytes="):], ",") {
		spec = strings.TrimSpace(spec)
		dash := strings.IndexByte(spec, '-')
		if dash < 0 {
			continue
		}
		startStr, endStr := spec[:dash], spec[dash+1:]
		switch {
		case startStr == "" && endStr != "":
			// suffix range: last N bytes
			n, err := strconv.ParseInt(endStr, 10, 64)
			if err == nil && n > 0 && n <= contentLength {
				ranges = append(ranges, ByteRange{contentLength - n, contentLength - 1})
			}
		case startStr != "" && endStr == "":
			start, err := strconv.ParseInt(startStr, 10, 64)
			if err == nil && start >= 0 && start < contentLength {
				ranges = append(ranges, ByteRange{start, contentLength - 1})
			}
		case startStr != "" && endStr != "":
			start, err1 := strconv.ParseInt(startStr, 10, 64)
			end, err2 := strconv.ParseInt(endStr, 10, 64)
			if err1 == nil && err2 == nil && start >= 0 && start <= end && start < contentLength {
				if end >= contentLength {
					end = contentLength - 1
				}
				ranges = append(ranges, ByteRange{start, end})
			}
		}
	}
	return ranges
}

// extractRange slices the body for one range.
func extractRange(content []byte, r ByteRange) []byte {
	if r.Start >= int64(len(content)) {
		return nil
	}
	end := r.End
	if end >= int64(len(content)) {
		end = int64(len(content)) - 1
	}
	return content[r.Start : end+1]
}

// contentRangeHeader renders "bytes start-end/total".
func contentRangeHeader(r ByteRange, total int64) string {
	return fmt.Sprintf("bytes %d-%d/%d", r.Start, r.End, total)
}
