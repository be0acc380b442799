// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package validation

import (
	"bytes"
	"strings"
)

// File categories with their own size ceiling.
const (
	CategoryImage    = "image"
	CategoryDocument = "document"
	CategoryVideo    = "video"
	CategoryDefault  = "default"
)

const mib = 1 << 20

// Limits maps a file category to its maximum size in bytes.
type Limits map[string]int64

// DefaultLimits returns 10 MiB for images, 25 MiB for documents, 100 MiB
// for videos and 50 MiB for everything else.
func DefaultLimits() Limits {
	return Limits{
		CategoryImage:    10 * mib,
		CategoryDocument: 25 * mib,
		CategoryVideo:    100 * mib,
		CategoryDefault:  50 * mib,
	}
}

// For returns the ceiling of a category, falling back to the default.
func (l Limits) For(category string) int64 {
	if n, found := l[category]; found && n > 0 {
		return n
	}
	if n, found := l[CategoryDefault]; found && n > 0 {
		return n
	}
	return 50 * mib
}

var documentTypes = map[string]bool{
	"application/pdf":    true,
	"application/msword": true,
	"application/rtf":    true,
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document":   true,
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet":         true,
	"application/vnd.openxmlformats-officedocument.presentationml.presentation": true,
	"application/vnd.ms-excel":                true,
	"application/vnd.oasis.opendocument.text": true,
}

// CategoryOf returns the category of a MIME type.
func CategoryOf(mime string) string {
	switch {
	case strings.HasPrefix(mime, "image/"):
		return CategoryImage
	case strings.HasPrefix(mime, "video/"):
		return CategoryVideo
	case strings.HasPrefix(mime, "text/"), documentTypes[mime]:
		return CategoryDocument
	}
	return CategoryDefault
}

// DefaultThreatPatterns are content fragments that fail validation. They
// catch scripts embedded in uploads and the EICAR test signature; there
// is no signature database.
var DefaultThreatPatterns = []string{
	"<script",
	"javascript:",
	"vbscript:",
	"<?php",
	"<%@",
	"eval(",
	`X5O!P%@AP[4\PZX54(P^)7CC)7}$EICAR-STANDARD-ANTIVIRUS-TEST-FILE!$H+H*`,
}

func compilePatterns(patterns []string) [][]byte {
	list := make([][]byte, 0, len(patterns))
	for _, p := range patterns {
		if p == "" {
			continue
		}
		list = append(list, bytes.ToLower([]byte(p)))
	}
	return list
}
