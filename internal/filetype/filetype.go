// Package filetype decides, from an object key alone, whether a document
// type is supported by the pipeline. Unsupported and unknown types are
// skipped before any download happens.
package filetype

import (
	"fmt"
	"path"
	"strings"
)

// Kind is the extraction branch a supported document follows.
type Kind string

const (
	KindPDF   Kind = "pdf"
	KindImage Kind = "image"
	KindWord  Kind = "word"
	KindText  Kind = "text"
)

// Decision is the pre-filter verdict for one object key.
type Decision struct {
	Supported  bool
	Kind       Kind
	Extension  string
	SkipReason string
}

var supportedKinds = map[string]Kind{
	"pdf":      KindPDF,
	"jpg":      KindImage,
	"jpeg":     KindImage,
	"png":      KindImage,
	"bmp":      KindImage,
	"tiff":     KindImage,
	"tif":      KindImage,
	"gif":      KindImage,
	"docx":     KindWord,
	"txt":      KindText,
	"text":     KindText,
	"log":      KindText,
	"md":       KindText,
	"markdown": KindText,
	"csv":      KindText,
	"tsv":      KindText,
	"rtf":      KindText,
}

// knownUnsupported maps recognized but unprocessable extensions to their
// skip reasons.
var knownUnsupported = map[string]string{
	"doc":  "legacy_doc_format_not_supported",
	"dot":  "legacy_doc_format_not_supported",
	"xls":  "excel_files_not_supported",
	"xlsx": "excel_files_not_supported",
	"xlsm": "excel_files_not_supported",
	"ppt":  "powerpoint_files_not_supported",
	"pptx": "powerpoint_files_not_supported",
	"odt":  "opendocument_files_not_supported",
	"ods":  "opendocument_files_not_supported",
	"odp":  "opendocument_files_not_supported",
	"zip":  "archive_files_not_supported",
	"rar":  "archive_files_not_supported",
	"7z":   "archive_files_not_supported",
	"tar":  "archive_files_not_supported",
	"gz":   "archive_files_not_supported",
	"mp3":  "media_files_not_supported",
	"mp4":  "media_files_not_supported",
	"avi":  "media_files_not_supported",
	"mov":  "media_files_not_supported",
	"wav":  "media_files_not_supported",
	"wmv":  "media_files_not_supported",
	"dwg":  "cad_files_not_supported",
	"dxf":  "cad_files_not_supported",
	"shp":  "gis_files_not_supported",
	"kml":  "gis_files_not_supported",
	"kmz":  "gis_files_not_supported",
	"htm":  "html_files_not_supported",
	"html": "html_files_not_supported",
	"eml":  "email_files_not_supported",
	"msg":  "email_files_not_supported",
}

// Ext returns the lowercased extension of an object key without the dot.
func Ext(key string) string {
	ext := strings.TrimPrefix(path.Ext(key), ".")
	return strings.ToLower(ext)
}

// Classify returns the pre-filter decision for an object key. It is a
// pure function of the key; no download or content inspection happens.
func Classify(key string) Decision {
	ext := Ext(key)
	if ext == "" {
		return Decision{SkipReason: "no_file_extension"}
	}
	if kind, ok := supportedKinds[ext]; ok {
		return Decision{Supported: true, Kind: kind, Extension: ext}
	}
	if reason, ok := knownUnsupported[ext]; ok {
		return Decision{Extension: ext, SkipReason: reason}
	}
	return Decision{Extension: ext, SkipReason: fmt.Sprintf("unknown_file_type_%s", ext)}
}
