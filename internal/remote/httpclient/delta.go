package httpclient

import (
	"context"
	"net/http"

	"github.com/onedrived/onedrived/internal/remote"
)

// driveItemCollection mirrors the original client's
// onedrive_models.rs DriveItemCollection (value + @odata.nextLink /
// @odata.deltaLink).
type driveItemCollection struct {
	Value     []driveItem `json:"value"`
	NextLink  string      `json:"@odata.nextLink"`
	DeltaLink string      `json:"@odata.deltaLink"`
}

// Delta pages through the remote change stream starting at cursor,
// following @odata.nextLink until a @odata.deltaLink terminates the
// page sequence, and returns every item seen plus the new cursor
// (§4.2). The caller decides how to batch pages; here one call exhausts
// the full sequence of nextLinks so the caller sees one coherent page
// per tick, matching the original's get_delta_items_and_update_queue
// loop shape.
func (c *Client) Delta(ctx context.Context, cursor string) ([]remote.Item, string, error) {
	url := c.baseURL + "/root/delta"
	if cursor != "" {
		url = cursor
	}

	var items []remote.Item
	nextCursor := cursor

	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return items, nextCursor, remote.NewError(remote.Fatal, "delta", err)
		}

		resp, err := c.do(ctx, "delta", req)
		if err != nil {
			return items, nextCursor, err
		}

		var page driveItemCollection
		if err := decodeJSON(resp, &page); err != nil {
			return items, nextCursor, remote.NewError(remote.Fatal, "delta", err)
		}

		for i := range page.Value {
			items = append(items, page.Value[i].toItem())
		}

		if page.DeltaLink != "" {
			nextCursor = page.DeltaLink
			break
		}
		if page.NextLink == "" {
			// Defensive: a well-formed response always carries one of
			// the two link kinds; treat a bare page as final.
			break
		}
		url = page.NextLink
	}

	return items, nextCursor, nil
}

// listChildrenPaged pages through a children collection. Each page's
// URL is only known once the previous page has been fetched, so the
// walk is inherently sequential.
func (c *Client) listChildrenPaged(ctx context.Context, firstURL string) ([]remote.Item, error) {
	var items []remote.Item
	url := firstURL

	for url != "" {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return items, remote.NewError(remote.Fatal, "list_children", err)
		}

		resp, err := c.do(ctx, "list_children", req)
		if err != nil {
			return items, err
		}

		var page driveItemCollection
		if err := decodeJSON(resp, &page); err != nil {
			return items, remote.NewError(remote.Fatal, "list_children", err)
		}

		for i := range page.Value {
			items = append(items, page.Value[i].toItem())
		}
		url = page.NextLink
	}

	return items, nil
}
