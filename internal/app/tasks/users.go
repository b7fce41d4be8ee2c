package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"
)

// UserData is what the auth service knows about a user.
type UserData struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
}

// UserClient resolves user IDs to display data via the auth service.
// Strictly best effort: a failed lookup leaves the ID unenriched.
type UserClient struct {
	BaseURL    string
	HTTPClient *http.Client
}

func NewUserClient(baseURL string) *UserClient {
	return &UserClient{
		BaseURL:    baseURL,
		HTTPClient: &http.Client{Timeout: 3 * time.Second},
	}
}

func (c *UserClient) UsersByIDs(ctx context.Context, userIDs []string) map[string]UserData {
	result := map[string]UserData{}
	for _, id := range userIDs {
		if id == "" {
			continue
		}
		if _, ok := result[id]; ok {
			continue
		}
		user, err := c.userByID(ctx, id)
		if err != nil {
			log.Printf("tasks: user lookup for %s failed: %v", id, err)
			continue
		}
		result[id] = user
	}
	return result
}

func (c *UserClient) userByID(ctx context.Context, userID string) (UserData, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/auth/users/"+userID, nil)
	if err != nil {
		return UserData{}, err
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return UserData{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return UserData{}, fmt.Errorf("auth service returned %d", resp.StatusCode)
	}
	var user UserData
	if err := json.NewDecoder(resp.Body).Decode(&user); err != nil {
		return UserData{}, err
	}
	return user, nil
}
