package asset

import (
	"path"
	"strings"
)

// Kind classifies an asset by the role it plays in the page.
type Kind int

const (
	KindOther Kind = iota
	KindImage
	KindStylesheet
	KindScript
	KindFont
	KindVideo // audio and video media
)

// Archive folders, one per kind.
const (
	FolderCSS    = "css"
	FolderJS     = "js"
	FolderImages = "images"
	FolderFonts  = "fonts"
	FolderAssets = "assets"
)

func (k Kind) String() string {
	switch k {
	case KindImage:
		return "image"
	case KindStylesheet:
		return "stylesheet"
	case KindScript:
		return "script"
	case KindFont:
		return "font"
	case KindVideo:
		return "video"
	default:
		return "other"
	}
}

// Folder returns the archive folder assets of this kind are stored under.
func (k Kind) Folder() string {
	switch k {
	case KindStylesheet:
		return FolderCSS
	case KindScript:
		return FolderJS
	case KindImage:
		return FolderImages
	case KindFont:
		return FolderFonts
	default:
		return FolderAssets
	}
}

// DefaultExt is appended to file names that carry no extension.
func (k Kind) DefaultExt() string {
	switch k {
	case KindStylesheet:
		return ".css"
	case KindScript:
		return ".js"
	case KindImage:
		return ".png"
	default:
		return ".dat"
	}
}

// IsText reports whether the asset body is fetched and processed as text.
func (k Kind) IsText() bool {
	return k == KindStylesheet || k == KindScript
}

// KindFromExtension guesses a kind from a file name or URL path.
func KindFromExtension(name string) Kind {
	if i := strings.IndexAny(name, "?#"); i >= 0 {
		name = name[:i]
	}
	switch strings.ToLower(path.Ext(name)) {
	case ".woff", ".woff2", ".ttf", ".otf", ".eot":
		return KindFont
	case ".png", ".jpg", ".jpeg", ".gif", ".svg", ".ico", ".webp", ".avif", ".bmp", ".cur":
		return KindImage
	case ".css":
		return KindStylesheet
	case ".js", ".mjs", ".cjs":
		return KindScript
	case ".mp4", ".webm", ".ogv", ".mov", ".mp3", ".wav", ".ogg", ".m4a", ".flac":
		return KindVideo
	}
	return KindOther
}
