package github

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/jmaddaus/issuebridge/internal/model"
)

// ProjectContext holds the resolved node identities needed for board
// placement. The board's schema does not change per event, so one
// resolution serves the process lifetime.
type ProjectContext struct {
	ProjectID string
	FieldID   string
	OptionID  string
}

type graphQLRequest struct {
	Query     string                 `json:"query"`
	Variables map[string]interface{} `json:"variables,omitempty"`
}

type graphQLError struct {
	Message string `json:"message"`
}

// doGraphQL posts a GraphQL request and decodes the "data" object into out.
// Errors in the GraphQL errors array are permanent rejections; HTTP-level
// failures are classified like REST calls.
func (c *clientImpl) doGraphQL(ctx context.Context, op, query string, variables map[string]interface{}, out interface{}) error {
	url := c.baseURL + "/graphql"

	req, err := c.newRequest(ctx, http.MethodPost, url, graphQLRequest{Query: query, Variables: variables})
	if err != nil {
		return err
	}

	resp, err := c.do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return classify(op, resp)
	}

	var envelope struct {
		Data   json.RawMessage `json:"data"`
		Errors []graphQLError  `json:"errors"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	if len(envelope.Errors) > 0 {
		msgs := make([]string, len(envelope.Errors))
		for i, e := range envelope.Errors {
			msgs[i] = e.Message
		}
		return &RejectedError{Status: resp.StatusCode, Message: op + ": " + strings.Join(msgs, "; ")}
	}
	if out != nil {
		if err := json.Unmarshal(envelope.Data, out); err != nil {
			return fmt.Errorf("%s: decode data: %w", op, err)
		}
	}
	return nil
}

const projectFieldsQuery = `
query($projectId: ID!) {
    node(id: $projectId) {
        ... on ProjectV2 {
            id
            title
            fields(first: 50) {
                nodes {
                    ... on ProjectV2Field {
                        id
                        name
                    }
                    ... on ProjectV2SingleSelectField {
                        id
                        name
                        options {
                            id
                            name
                        }
                    }
                }
            }
        }
    }
}`

// ResolveProjectContext resolves the configured project, status field, and
// initial option to node IDs. Cached after the first success.
func (c *clientImpl) ResolveProjectContext(ctx context.Context) (*ProjectContext, error) {
	c.pcMu.Lock()
	defer c.pcMu.Unlock()

	if c.projectCtx != nil {
		return c.projectCtx, nil
	}
	if !c.opts.Project.Enabled() {
		return nil, &ConfigurationError{Detail: "no project configured"}
	}

	var result struct {
		Node *struct {
			ID     string `json:"id"`
			Title  string `json:"title"`
			Fields struct {
				Nodes []struct {
					ID      string `json:"id"`
					Name    string `json:"name"`
					Options []struct {
						ID   string `json:"id"`
						Name string `json:"name"`
					} `json:"options"`
				} `json:"nodes"`
			} `json:"fields"`
		} `json:"node"`
	}

	err := c.doGraphQL(ctx, "resolve project", projectFieldsQuery,
		map[string]interface{}{"projectId": c.opts.Project.ID}, &result)
	if err != nil {
		return nil, err
	}
	if result.Node == nil || result.Node.ID == "" {
		return nil, &ConfigurationError{Detail: fmt.Sprintf("project %q not found", c.opts.Project.ID)}
	}

	for _, f := range result.Node.Fields.Nodes {
		if f.Name != c.opts.Project.FieldName {
			continue
		}
		if len(f.Options) == 0 {
			return nil, &ConfigurationError{Detail: fmt.Sprintf(
				"field %q on project %q is not a single-select field", f.Name, result.Node.Title)}
		}
		for _, opt := range f.Options {
			if opt.Name == c.opts.Project.OptionName {
				pc := &ProjectContext{ProjectID: result.Node.ID, FieldID: f.ID, OptionID: opt.ID}
				c.projectCtx = pc
				return pc, nil
			}
		}
		return nil, &ConfigurationError{Detail: fmt.Sprintf(
			"option %q not found on field %q of project %q",
			c.opts.Project.OptionName, f.Name, result.Node.Title)}
	}
	return nil, &ConfigurationError{Detail: fmt.Sprintf(
		"field %q not found on project %q", c.opts.Project.FieldName, result.Node.Title)}
}

const addItemMutation = `
mutation($projectId: ID!, $contentId: ID!) {
    addProjectV2ItemById(input: {
        projectId: $projectId
        contentId: $contentId
    }) {
        item {
            id
        }
    }
}`

const setFieldMutation = `
mutation($projectId: ID!, $itemId: ID!, $fieldId: ID!, $optionId: String!) {
    updateProjectV2ItemFieldValue(input: {
        projectId: $projectId
        itemId: $itemId
        fieldId: $fieldId
        value: { singleSelectOptionId: $optionId }
    }) {
        projectV2Item {
            id
        }
    }
}`

// AttachToBoard adds the issue to the project and sets its status field.
// A field-set failure after a successful add surfaces as
// *PartialAttachmentError so the caller can resume without re-adding: the
// tracker does not document re-adding as idempotent, so it is not assumed
// to be.
func (c *clientImpl) AttachToBoard(ctx context.Context, issue *model.TrackerIssue, pc *ProjectContext) (*model.BoardPlacement, error) {
	var result struct {
		AddProjectV2ItemByID struct {
			Item struct {
				ID string `json:"id"`
			} `json:"item"`
		} `json:"addProjectV2ItemById"`
	}

	err := c.doGraphQL(ctx, "add board item", addItemMutation, map[string]interface{}{
		"projectId": pc.ProjectID,
		"contentId": issue.NodeID,
	}, &result)
	if err != nil {
		return nil, err
	}

	itemID := result.AddProjectV2ItemByID.Item.ID
	if itemID == "" {
		return nil, &RejectedError{Status: http.StatusOK, Message: "add board item: no item ID returned"}
	}

	if err := c.SetItemStatus(ctx, itemID, pc); err != nil {
		return nil, &PartialAttachmentError{ItemID: itemID, Err: err}
	}

	return &model.BoardPlacement{
		ProjectID: pc.ProjectID,
		ItemID:    itemID,
		FieldID:   pc.FieldID,
		OptionID:  pc.OptionID,
	}, nil
}

// SetItemStatus sets the configured single-select status option on an
// existing board item.
func (c *clientImpl) SetItemStatus(ctx context.Context, itemID string, pc *ProjectContext) error {
	return c.doGraphQL(ctx, "set item status", setFieldMutation, map[string]interface{}{
		"projectId": pc.ProjectID,
		"itemId":    itemID,
		"fieldId":   pc.FieldID,
		"optionId":  pc.OptionID,
	}, nil)
}
