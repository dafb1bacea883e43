// ABOUTME: Artifact references returned by completed generations.
// ABOUTME: Carry enough to fetch the produced file from the backend's view endpoint.

package comfy

import "net/url"

// MediaKind classifies a produced artifact by the output key it arrived under.
type MediaKind string

const (
	MediaImage MediaKind = "image"
	MediaVideo MediaKind = "video"
	MediaAudio MediaKind = "audio"
)

// ArtifactRef locates one produced output file on its instance. The core
// returns references; collaborators fetch bytes via Connection.FetchArtifact
// or a history lookup keyed by the prompt id.
type ArtifactRef struct {
	Filename  string
	Subfolder string
	Type      string
	Kind      MediaKind
}

// RefsFromOutput converts one node's output payload into artifact references.
func RefsFromOutput(out NodeOutput) []ArtifactRef {
	var refs []ArtifactRef
	for _, f := range out.Images {
		refs = append(refs, ArtifactRef{Filename: f.Filename, Subfolder: f.Subfolder, Type: f.Type, Kind: MediaImage})
	}
	for _, f := range out.Gifs {
		refs = append(refs, ArtifactRef{Filename: f.Filename, Subfolder: f.Subfolder, Type: f.Type, Kind: MediaVideo})
	}
	for _, f := range out.Audio {
		refs = append(refs, ArtifactRef{Filename: f.Filename, Subfolder: f.Subfolder, Type: f.Type, Kind: MediaAudio})
	}
	return refs
}

// query encodes the reference as view-endpoint query parameters.
func (r ArtifactRef) query() string {
	q := url.Values{}
	q.Set("filename", r.Filename)
	if r.Subfolder != "" {
		q.Set("subfolder", r.Subfolder)
	}
	typ := r.Type
	if typ == "" {
		typ = "output"
	}
	q.Set("type", typ)
	return q.Encode()
}

// URL returns the absolute view URL for the reference on the given instance.
func (r ArtifactRef) URL(baseURL string) string {
	return baseURL + "/view?" + r.query()
}
