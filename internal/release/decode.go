package release

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/pkg/errors"
)

// Required keys on every release record and every asset record.
var (
	releaseKeys = []string{"tag_name", "body", "assets"}
	assetKeys   = []string{"name", "browser_download_url"}
)

// record is a decoded release before tag filtering.
type record struct {
	Tag     string
	Name    string
	Notes   string
	HTMLURL string
	Draft   bool
	Assets  []Asset
}

type wireRelease struct {
	TagName string      `json:"tag_name"`
	Body    *string     `json:"body"`
	Name    *string     `json:"name"`
	HTMLURL string      `json:"html_url"`
	Draft   bool        `json:"draft"`
	Assets  []wireAsset `json:"assets"`
}

type wireAsset struct {
	Name               string `json:"name"`
	BrowserDownloadURL string `json:"browser_download_url"`
	Size               int64  `json:"size"`
}

// decodeIndex decodes a JSON array of release records. Every record must carry
// tag_name (string), body (string or null) and assets (array); every asset
// must carry name and browser_download_url.
func decodeIndex(r io.Reader) ([]record, error) {
	var raw []json.RawMessage
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return nil, errors.Wrap(err, "decoding release index")
	}

	records := make([]record, 0, len(raw))
	for i, msg := range raw {
		rec, err := decodeRecord(msg)
		if err != nil {
			return nil, errors.Wrapf(err, "release record %d", i)
		}
		records = append(records, rec)
	}
	return records, nil
}

func decodeRecord(msg json.RawMessage) (record, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(msg, &obj); err != nil {
		return record{}, errors.Wrap(err, "record")
	}
	if obj == nil {
		return record{}, errors.New("record is null")
	}
	if err := requireKeys(obj, releaseKeys); err != nil {
		return record{}, err
	}
	if isNull(obj["tag_name"]) || isNull(obj["assets"]) {
		return record{}, errors.New("tag_name and assets must not be null")
	}

	var rawAssets []map[string]json.RawMessage
	if err := json.Unmarshal(obj["assets"], &rawAssets); err != nil {
		return record{}, errors.Wrap(err, "assets")
	}
	for j, a := range rawAssets {
		if a == nil {
			return record{}, fmt.Errorf("asset %d is null", j)
		}
		if err := requireKeys(a, assetKeys); err != nil {
			return record{}, errors.Wrapf(err, "asset %d", j)
		}
	}

	var w wireRelease
	if err := json.Unmarshal(msg, &w); err != nil {
		return record{}, errors.Wrap(err, "record fields")
	}

	rec := record{
		Tag:     w.TagName,
		HTMLURL: w.HTMLURL,
		Draft:   w.Draft,
		Assets:  make([]Asset, 0, len(w.Assets)),
	}
	if w.Body != nil {
		rec.Notes = *w.Body
	}
	if w.Name != nil {
		rec.Name = *w.Name
	}
	for _, a := range w.Assets {
		rec.Assets = append(rec.Assets, Asset{
			Name:        a.Name,
			DownloadURL: a.BrowserDownloadURL,
			Size:        a.Size,
		})
	}
	return rec, nil
}

func requireKeys(obj map[string]json.RawMessage, keys []string) error {
	for _, k := range keys {
		if _, ok := obj[k]; !ok {
			return fmt.Errorf("missing field %q", k)
		}
	}
	return nil
}

func isNull(raw json.RawMessage) bool {
	return string(raw) == "null"
}
