package toolcall

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// Format selects the shape of Result.Content.
type Format int

const (
	// FormatString joins all text into one string.
	FormatString Format = iota
	// FormatParts returns an ordered []ContentPart.
	FormatParts
)

const noResponse = "(No response)"

// ContentPart is one element of a FormatParts result.
type ContentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

// ImageURL references an image by URL or data URI.
type ImageURL struct {
	URL string `json:"url"`
}

// ImageArtifact is an image found in a tool result.
type ImageArtifact struct {
	URL      string `json:"url"`
	MIMEType string `json:"mime_type,omitempty"`
}

// UIResource is an embedded ui:// resource returned by a tool.
type UIResource struct {
	URI      string `json:"uri"`
	MIMEType string `json:"mime_type,omitempty"`
	Text     string `json:"text,omitempty"`
	Blob     string `json:"blob,omitempty"`
}

// Artifacts carries side-channel data that accompanies the content.
type Artifacts struct {
	Images      []ImageArtifact `json:"images,omitempty"`
	UIResources []UIResource    `json:"ui_resources,omitempty"`
}

func (a *Artifacts) empty() bool {
	return a == nil || (len(a.Images) == 0 && len(a.UIResources) == 0)
}

var imageURLRe = regexp.MustCompile(`(?i)https?://[^\s"'<>()\[\]]+?\.(?:png|jpe?g|gif|webp|bmp|svg)(?:\?[^\s"'<>()\[\]]*)?(?:\b|$)`)

// ExtractImageURLs returns the distinct image URLs found in text, in order of appearance.
func ExtractImageURLs(text string) []string {
	seen := map[string]bool{}
	var out []string
	for _, u := range imageURLRe.FindAllString(text, -1) {
		u = strings.TrimRight(u, ".,;:!")
		if !seen[u] {
			seen[u] = true
			out = append(out, u)
		}
	}
	return out
}

// formatter accumulates one result.
type formatter struct {
	format    Format
	texts     []string
	parts     []ContentPart
	artifacts Artifacts
	imageSeen map[string]bool
}

func newFormatter(format Format) *formatter {
	return &formatter{format: format, imageSeen: map[string]bool{}}
}

func (f *formatter) addText(text string) {
	if text == "" {
		return
	}
	f.texts = append(f.texts, text)
	f.parts = append(f.parts, ContentPart{Type: "text", Text: text})
}

// addImage records an image once; structured images win over URLs found in text.
func (f *formatter) addImage(url, mimeType string, inline bool) {
	if url == "" || f.imageSeen[url] {
		return
	}
	f.imageSeen[url] = true
	f.artifacts.Images = append(f.artifacts.Images, ImageArtifact{URL: url, MIMEType: mimeType})
	if inline {
		f.parts = append(f.parts, ContentPart{Type: "image_url", ImageURL: &ImageURL{URL: url}})
	}
}

func (f *formatter) addContent(item mcp.Content) {
	switch c := item.(type) {
	case mcp.TextContent:
		f.addText(c.Text)
	case *mcp.TextContent:
		f.addText(c.Text)
	case mcp.ImageContent:
		f.addImage(dataURI(c.MIMEType, c.Data), c.MIMEType, true)
	case *mcp.ImageContent:
		f.addImage(dataURI(c.MIMEType, c.Data), c.MIMEType, true)
	case mcp.AudioContent:
		f.addText(fmt.Sprintf("[audio: %s]", c.MIMEType))
	case *mcp.AudioContent:
		f.addText(fmt.Sprintf("[audio: %s]", c.MIMEType))
	case mcp.ResourceLink:
		f.addText(fmt.Sprintf("Resource link: %s (%s)", c.Name, c.URI))
	case *mcp.ResourceLink:
		f.addText(fmt.Sprintf("Resource link: %s (%s)", c.Name, c.URI))
	case mcp.EmbeddedResource:
		f.addResource(c.Resource)
	case *mcp.EmbeddedResource:
		f.addResource(c.Resource)
	default:
		if data, err := json.Marshal(item); err == nil {
			f.addText(string(data))
		}
	}
}

func (f *formatter) addResource(resource mcp.ResourceContents) {
	switch r := resource.(type) {
	case mcp.TextResourceContents:
		f.addTextResource(r.URI, r.MIMEType, r.Text)
	case *mcp.TextResourceContents:
		f.addTextResource(r.URI, r.MIMEType, r.Text)
	case mcp.BlobResourceContents:
		f.addBlobResource(r.URI, r.MIMEType, r.Blob)
	case *mcp.BlobResourceContents:
		f.addBlobResource(r.URI, r.MIMEType, r.Blob)
	}
}

func (f *formatter) addTextResource(uri, mimeType, text string) {
	if strings.HasPrefix(uri, "ui://") {
		f.artifacts.UIResources = append(f.artifacts.UIResources, UIResource{URI: uri, MIMEType: mimeType, Text: text})
		return
	}
	f.addText(fmt.Sprintf("Resource Text (%s): %s", uri, text))
}

func (f *formatter) addBlobResource(uri, mimeType, blob string) {
	if strings.HasPrefix(uri, "ui://") {
		f.artifacts.UIResources = append(f.artifacts.UIResources, UIResource{URI: uri, MIMEType: mimeType, Blob: blob})
		return
	}
	if strings.HasPrefix(mimeType, "image/") {
		f.addImage(dataURI(mimeType, blob), mimeType, true)
		return
	}
	f.addText(fmt.Sprintf("Resource (%s): %s", uri, mimeType))
}

// finish scans collected text for image URLs and builds the result pair.
func (f *formatter) finish() (any, *Artifacts) {
	for _, text := range f.texts {
		for _, u := range ExtractImageURLs(text) {
			f.addImage(u, "", false)
		}
	}
	var artifacts *Artifacts
	if !f.artifacts.empty() {
		a := f.artifacts
		artifacts = &a
	}

	if f.format == FormatParts {
		if len(f.parts) == 0 {
			return []ContentPart{{Type: "text", Text: noResponse}}, artifacts
		}
		return f.parts, artifacts
	}
	if len(f.texts) == 0 {
		return noResponse, artifacts
	}
	return strings.Join(f.texts, "\n\n"), artifacts
}

func dataURI(mimeType, data string) string {
	if data == "" {
		return ""
	}
	if strings.HasPrefix(data, "http://") || strings.HasPrefix(data, "https://") || strings.HasPrefix(data, "data:") {
		return data
	}
	return "data:" + mimeType + ";base64," + data
}

// FormatResult converts an MCP tool result into (content, artifacts).
func FormatResult(result *mcp.CallToolResult, format Format) (any, *Artifacts) {
	f := newFormatter(format)
	if result == nil {
		return f.finish()
	}
	for _, item := range result.Content {
		f.addContent(item)
	}
	if len(f.texts) == 0 && result.StructuredContent != nil {
		if data, err := json.Marshal(result.StructuredContent); err == nil {
			f.addText(string(data))
		}
	}
	return f.finish()
}

// Coerce forces any value produced below the pipeline into the
// (content, artifacts) pair. Recognized shapes are a tool result, a plain
// string, content parts and a two-element [content, artifacts] array;
// everything else is rendered as JSON text.
func Coerce(v any, format Format) (any, *Artifacts) {
	switch r := v.(type) {
	case nil:
		return newFormatter(format).finish()
	case *mcp.CallToolResult:
		return FormatResult(r, format)
	case mcp.CallToolResult:
		return FormatResult(&r, format)
	case string:
		f := newFormatter(format)
		f.addText(r)
		return f.finish()
	case []ContentPart:
		f := newFormatter(format)
		for _, p := range r {
			switch {
			case p.Type == "text":
				f.addText(p.Text)
			case p.ImageURL != nil:
				f.addImage(p.ImageURL.URL, "", true)
			}
		}
		return f.finish()
	case []any:
		if len(r) == 2 {
			content, artifacts := Coerce(r[0], format)
			if extra := coerceArtifacts(r[1]); extra != nil {
				artifacts = mergeArtifacts(artifacts, extra)
			}
			return content, artifacts
		}
	}
	f := newFormatter(format)
	if data, err := json.Marshal(v); err == nil {
		f.addText(string(data))
	} else {
		f.addText(fmt.Sprint(v))
	}
	return f.finish()
}

func coerceArtifacts(v any) *Artifacts {
	switch a := v.(type) {
	case *Artifacts:
		return a
	case Artifacts:
		return &a
	case nil:
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var out Artifacts
	if err := json.Unmarshal(data, &out); err != nil || out.empty() {
		return nil
	}
	return &out
}

func mergeArtifacts(a, b *Artifacts) *Artifacts {
	if a == nil {
		return b
	}
	out := *a
	seen := map[string]bool{}
	for _, img := range out.Images {
		seen[img.URL] = true
	}
	for _, img := range b.Images {
		if !seen[img.URL] {
			out.Images = append(out.Images, img)
			seen[img.URL] = true
		}
	}
	out.UIResources = append(out.UIResources, b.UIResources...)
	return &out
}
