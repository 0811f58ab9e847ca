package telegram

import (
	"context"
	"errors"
	"io"
	"mime"
	"path/filepath"
	"strings"

	"github.com/gotd/td/telegram/downloader"
	"github.com/gotd/td/tg"

	"github.com/masahif/telecrawl/internal/crawler"
)

// ErrNoLocation is returned for media without an MTProto file location
var ErrNoLocation = errors.New("media has no file location")

// mediaRef describes photos and documents. Other attachments (web page
// previews, polls, locations) are not media of the message.
func mediaRef(media tg.MessageMediaClass) *crawler.MediaRef {
	switch m := media.(type) {
	case *tg.MessageMediaPhoto:
		ref := &crawler.MediaRef{Type: crawler.MediaPhoto, Ext: ".jpg"}
		p, ok := m.GetPhoto()
		if !ok {
			return ref
		}
		photo, ok := p.(*tg.Photo)
		if !ok {
			return ref
		}
		if thumb := largestSize(photo.Sizes); thumb != "" {
			ref.Location = &tg.InputPhotoFileLocation{
				ID:            photo.ID,
				AccessHash:    photo.AccessHash,
				FileReference: photo.FileReference,
				ThumbSize:     thumb,
			}
		}
		return ref

	case *tg.MessageMediaDocument:
		ref := &crawler.MediaRef{Type: crawler.MediaOther, Ext: ".bin"}
		d, ok := m.GetDocument()
		if !ok {
			return ref
		}
		doc, ok := d.(*tg.Document)
		if !ok {
			return ref
		}
		if isVideo(doc) {
			ref.Type = crawler.MediaVideo
		}
		ref.Ext = documentExt(doc, ref.Type)
		ref.Size = doc.Size
		ref.Location = &tg.InputDocumentFileLocation{
			ID:            doc.ID,
			AccessHash:    doc.AccessHash,
			FileReference: doc.FileReference,
		}
		return ref
	}
	return nil
}

// largestSize returns the type of the biggest downloadable photo size
func largestSize(sizes []tg.PhotoSizeClass) string {
	var best string
	var bestArea int
	for _, s := range sizes {
		var typ string
		var area int
		switch size := s.(type) {
		case *tg.PhotoSize:
			typ, area = size.Type, size.W*size.H
		case *tg.PhotoSizeProgressive:
			typ, area = size.Type, size.W*size.H
		default:
			continue
		}
		if area > bestArea {
			best, bestArea = typ, area
		}
	}
	return best
}

func isVideo(doc *tg.Document) bool {
	for _, attr := range doc.Attributes {
		switch a := attr.(type) {
		case *tg.DocumentAttributeVideo:
			return true
		case *tg.DocumentAttributeFilename:
			switch strings.ToLower(filepath.Ext(a.FileName)) {
			case ".mp4", ".mkv", ".mov", ".webm":
				return true
			}
		}
	}
	return strings.HasPrefix(doc.MimeType, "video/")
}

func documentExt(doc *tg.Document, typ crawler.MediaType) string {
	for _, attr := range doc.Attributes {
		if a, ok := attr.(*tg.DocumentAttributeFilename); ok {
			if ext := strings.ToLower(filepath.Ext(a.FileName)); ext != "" && len(ext) <= 6 {
				return ext
			}
		}
	}
	if exts, err := mime.ExtensionsByType(doc.MimeType); err == nil && len(exts) > 0 {
		return exts[0]
	}
	if typ == crawler.MediaVideo {
		return ".mp4"
	}
	return ".bin"
}

// Downloader streams MTProto files. It implements media.Downloader.
type Downloader struct {
	api *tg.Client
	d   *downloader.Downloader
}

// NewDownloader creates a downloader on api
func NewDownloader(api *tg.Client) *Downloader {
	return &Downloader{api: api, d: downloader.NewDownloader()}
}

// Download writes the file behind ref.Location to w
func (d *Downloader) Download(ctx context.Context, ref crawler.MediaRef, w io.Writer) error {
	loc, ok := ref.Location.(tg.InputFileLocationClass)
	if !ok {
		return crawler.NewPermanent("telegram.download", ErrNoLocation)
	}
	if _, err := d.d.Download(d.api, loc).Stream(ctx, w); err != nil {
		return classify("telegram.download", err)
	}
	return nil
}
