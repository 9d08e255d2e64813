package syncdaemon

import (
	"context"
	"net/url"
	"strconv"
)

// Event is a single entry from events/disk.
type Event struct {
	ID     int64  `json:"id"`
	Type   string `json:"type"`
	Folder string `json:"folder"`
	Path   string `json:"path"`
	Action string `json:"action"` // "deleted" | "modified"
	Kind   string `json:"kind"`   // "file" | "dir" | "directory"
}

// EventsDisk calls GET events/disk?since=&timeout=.
func (c *Client) EventsDisk(ctx context.Context, since int64, timeout int) ([]Event, error) {
	var events []Event

	q := url.Values{
		"since":   {strconv.FormatInt(since, 10)},
		"timeout": {strconv.Itoa(timeout)},
	}

	if _, err := c.Get(ctx, "events/disk", q, nil, &events); err != nil {
		return nil, err
	}

	return events, nil
}

// BrowseNode is a single node in the db/browse tree.
type BrowseNode struct {
	Name     string       `json:"name"`
	Type     string       `json:"type"`
	Size     *int64       `json:"size,omitempty"`
	ModTime  *string      `json:"modTime,omitempty"`
	Children []BrowseNode `json:"children,omitempty"`
}

// DBBrowse calls GET db/browse?folder=&levels=&prefix=.
func (c *Client) DBBrowse(ctx context.Context, folder string, levels int, prefix string) ([]BrowseNode, error) {
	var nodes []BrowseNode

	q := url.Values{"folder": {folder}}
	if levels > 0 {
		q.Set("levels", strconv.Itoa(levels))
	}

	if prefix != "" {
		q.Set("prefix", prefix)
	}

	if _, err := c.Get(ctx, "db/browse", q, nil, &nodes); err != nil {
		return nil, err
	}

	return nodes, nil
}

// FileGlobalState is the `global` sub-object of a db/file response.
type FileGlobalState struct {
	Deleted bool `json:"deleted"`
	Ignored bool `json:"ignored"`
}

// FileStatus is the decoded db/file response.
type FileStatus struct {
	Global FileGlobalState `json:"global"`
}

// DBFile calls GET db/file?folder=&file=. The sync daemon returns a plain
// "No such object in the index" text body (not JSON) when the path is
// unknown; that response is surfaced as ok=false rather than an error.
func (c *Client) DBFile(ctx context.Context, folder, file string) (status FileStatus, ok bool, err error) {
	q := url.Values{"folder": {folder}, "file": {file}}

	raw, getErr := c.Get(ctx, "db/file", q, nil, nil)
	if getErr != nil {
		return FileStatus{}, false, getErr
	}

	if _, decErr := decodeIfJSON(raw, &status); decErr != nil {
		return FileStatus{}, false, nil
	}

	return status, true, nil
}

// Ignores is the db/ignores request/response shape.
type Ignores struct {
	Ignore []string `json:"ignore"`
}

// DBIgnoresGet calls GET db/ignores?folder=.
func (c *Client) DBIgnoresGet(ctx context.Context, folder string) (Ignores, error) {
	var ig Ignores

	q := url.Values{"folder": {folder}}
	if _, err := c.Get(ctx, "db/ignores", q, nil, &ig); err != nil {
		return Ignores{}, err
	}

	return ig, nil
}

// DBIgnoresSet calls POST db/ignores?folder= and returns the echoed list.
func (c *Client) DBIgnoresSet(ctx context.Context, folder string, patterns []string) (Ignores, error) {
	var ig Ignores

	q := url.Values{"folder": {folder}}
	body := Ignores{Ignore: patterns}

	if _, err := c.Post(ctx, "db/ignores", q, body, nil, &ig); err != nil {
		return Ignores{}, err
	}

	return ig, nil
}
