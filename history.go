package guildchat

import (
	"context"
	"errors"
	"fmt"
	"net/url"
)

// HistoryLoader fetches pages of a group's message history. Pages are newest
// first; a page with an empty Cursor is the last one.
type HistoryLoader interface {
	FirstPage(ctx context.Context, groupID int64) (*MessagePage, error)
	NextPage(ctx context.Context, groupID int64, cursor string) (*MessagePage, error)
}

// GroupsClient reads group message history over HTTP.
type GroupsClient struct{ client *Client }

var _ HistoryLoader = (*GroupsClient)(nil)

// FirstPage fetches the newest page of a group's history.
func (g *GroupsClient) FirstPage(ctx context.Context, groupID int64) (*MessagePage, error) {
	page, err := g.fetch(ctx, groupID, "")
	observeFetch("first", err)
	return page, err
}

// NextPage fetches the page that cursor points at.
func (g *GroupsClient) NextPage(ctx context.Context, groupID int64, cursor string) (*MessagePage, error) {
	if cursor == "" {
		return nil, &HistoryFetchError{GroupID: groupID, Err: errors.New("empty cursor")}
	}
	page, err := g.fetch(ctx, groupID, cursor)
	observeFetch("next", err)
	return page, err
}

func (g *GroupsClient) fetch(ctx context.Context, groupID int64, cursor string) (*MessagePage, error) {
	var query map[string]string
	if cursor != "" {
		query = map[string]string{"cursor": cursor}
	}

	data, err := g.client.doRequest(ctx, "GET", fmt.Sprintf("/api/groups/%d/messages/", groupID), nil, query)
	if err != nil {
		fe := &HistoryFetchError{GroupID: groupID, Cursor: cursor, Err: err}
		var se *httpStatusError
		if errors.As(err, &se) {
			fe.StatusCode = se.StatusCode
		}
		return nil, fe
	}

	resp, err := decodeJSON[historyResponse](data)
	if err != nil {
		return nil, &HistoryFetchError{GroupID: groupID, Cursor: cursor, Err: err}
	}

	page := &MessagePage{Items: resp.Results}
	if page.Items == nil {
		page.Items = []Message{}
	}
	if resp.Next != nil {
		page.Cursor = cursorFromNext(*resp.Next)
	}
	return page, nil
}

// cursorFromNext turns the "next" field into a cursor token. Servers either
// send the opaque token or a full page URL carrying it as ?cursor=.
func cursorFromNext(next string) string {
	if next == "" {
		return ""
	}
	u, err := url.Parse(next)
	if err != nil {
		return next
	}
	if c := u.Query().Get("cursor"); c != "" {
		return c
	}
	return next
}
