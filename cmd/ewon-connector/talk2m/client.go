// Copyright 2023 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package talk2m

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/united-manufacturing-hub/ewon-connector/cmd/ewon-connector/coercion"
	"github.com/united-manufacturing-hub/ewon-connector/cmd/ewon-connector/shared"
	"go.uber.org/zap"
)

// Credentials authenticate against the DataMailbox (token) and M2Web (account + device).
type Credentials struct {
	DeveloperID    string
	Token          string
	Account        string
	Username       string
	Password       string
	DeviceUsername string
	DevicePassword string
}

// Client talks to the Talk2M DataMailbox and M2Web APIs.
type Client struct {
	dataMailboxURL string
	m2webURL       string
	credentials    Credentials
	httpClient     *http.Client
}

// NewClient creates a client. timeout bounds every single request.
func NewClient(dataMailboxURL string, m2webURL string, credentials Credentials, timeout time.Duration) *Client {
	return &Client{
		dataMailboxURL: strings.TrimSuffix(dataMailboxURL, "/"),
		m2webURL:       strings.TrimSuffix(m2webURL, "/"),
		credentials:    credentials,
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				IdleConnTimeout: 90 * time.Second,
			},
		},
	}
}

// ListDevices returns the summary of every device of the account (POST /getewons).
func (c *Client) ListDevices(ctx context.Context) ([]shared.DeviceRecord, error) {
	var resp response
	if err := c.postDataMailbox(ctx, "getewons", nil, &resp); err != nil {
		return nil, err
	}
	devices := make([]shared.DeviceRecord, 0, len(resp.Ewons))
	for _, ewon := range resp.Ewons {
		devices = append(devices, toDeviceRecord(ewon))
	}
	return devices, nil
}

// FetchDevice returns the current values of all tags of one device (POST /getewon).
func (c *Client) FetchDevice(ctx context.Context, id int64) (*shared.DeviceData, error) {
	var resp ewonResponse
	params := url.Values{}
	params.Set("id", strconv.FormatInt(id, 10))
	if err := c.postDataMailbox(ctx, "getewon", params, &resp); err != nil {
		return nil, err
	}
	if resp.Success != nil && !*resp.Success {
		return nil, fmt.Errorf("talk2m error %d: %s", resp.Code, resp.Message)
	}
	device := toDeviceData(resp.ewonPayload)
	return &device, nil
}

// FetchIncremental returns the change batch following sinceTransactionID (POST /syncdata).
// A response without transaction id means there is nothing to synchronize and yields nil.
func (c *Client) FetchIncremental(ctx context.Context, sinceTransactionID int64) (*shared.IncrementalBatch, error) {
	params := url.Values{}
	params.Set("createTransaction", "true")
	if sinceTransactionID > 0 {
		params.Set("lastTransactionId", strconv.FormatInt(sinceTransactionID, 10))
	}

	var resp response
	if err := c.postDataMailbox(ctx, "syncdata", params, &resp); err != nil {
		return nil, err
	}
	if resp.TransactionID == nil {
		return nil, nil
	}

	batch := &shared.IncrementalBatch{
		TransactionID:     *resp.TransactionID,
		MoreDataAvailable: resp.MoreDataAvailable,
		Devices:           make([]shared.DeviceData, 0, len(resp.Ewons)),
	}
	for _, ewon := range resp.Ewons {
		batch.Devices = append(batch.Devices, toDeviceData(ewon))
	}
	return batch, nil
}

// FetchLiveSnapshot reads the instant values of a device through M2Web.
// Values are returned as sent by the device, string values keep their quotes.
func (c *Client) FetchLiveSnapshot(ctx context.Context, deviceName string) (map[string]string, error) {
	params := c.m2webParams()
	params.Set("AST_Param", "$dtIV$ftT")
	body, err := c.getM2Web(ctx, deviceName, "rcgi.bin/ParamForm", params)
	if err != nil {
		return nil, err
	}
	return parseInstantValues(body)
}

// WriteTag updates a tag on the device through M2Web.
func (c *Client) WriteTag(ctx context.Context, deviceName string, tagName string, value string) error {
	params := c.m2webParams()
	params.Set("TagName1", tagName)
	params.Set("TagValue1", value)
	_, err := c.getM2Web(ctx, deviceName, "rcgi.bin/UpdateTagForm", params)
	return err
}

// Ping checks that the DataMailbox is reachable and the credentials are accepted.
func (c *Client) Ping(ctx context.Context) error {
	var resp response
	return c.postDataMailbox(ctx, "getaccountinfo", nil, &resp)
}

func (c *Client) postDataMailbox(ctx context.Context, endpoint string, params url.Values, out interface{}) error {
	if params == nil {
		params = url.Values{}
	}
	params.Set("t2mdevid", c.credentials.DeveloperID)
	params.Set("t2mtoken", c.credentials.Token)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.dataMailboxURL+"/"+endpoint, strings.NewReader(params.Encode()))
	if err != nil {
		return fmt.Errorf("failed to create %s request: %w", endpoint, err)
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%s request failed: %w", endpoint, err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read %s response: %w", endpoint, err)
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return fmt.Errorf("authentication failed: %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s failed with status %d: %s", endpoint, resp.StatusCode, string(bodyBytes))
	}

	decoder := json.NewDecoder(bytes.NewReader(bodyBytes))
	decoder.UseNumber()
	if err = decoder.Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", endpoint, err)
	}
	if r, ok := out.(*response); ok {
		return r.err()
	}
	return nil
}

func (c *Client) getM2Web(ctx context.Context, deviceName string, resource string, params url.Values) (string, error) {
	target := fmt.Sprintf("%s/get/%s/%s?%s", c.m2webURL, url.PathEscape(deviceName), resource, params.Encode())
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create m2web request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("m2web request to %s failed: %w", deviceName, err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read m2web response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("m2web request to %s failed with status %d: %s", deviceName, resp.StatusCode, string(bodyBytes))
	}
	return string(bodyBytes), nil
}

func (c *Client) m2webParams() url.Values {
	params := url.Values{}
	params.Set("t2maccount", c.credentials.Account)
	params.Set("t2musername", c.credentials.Username)
	params.Set("t2mpassword", c.credentials.Password)
	params.Set("t2mdeveloperid", c.credentials.DeveloperID)
	if c.credentials.DeviceUsername != "" {
		params.Set("t2mdeviceusername", c.credentials.DeviceUsername)
		params.Set("t2mdevicepassword", c.credentials.DevicePassword)
	}
	return params
}

var errNoHeader = errors.New("instant value export has no TagName/Value header")

// parseInstantValues reads the semicolon separated instant value export.
// The first line names the columns, tag names are unquoted, values are kept verbatim.
func parseInstantValues(body string) (map[string]string, error) {
	lines := strings.Split(strings.ReplaceAll(body, "\r\n", "\n"), "\n")
	nameCol, valueCol := -1, -1
	values := make(map[string]string)
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		fields := splitFields(line)
		if nameCol < 0 {
			for i, field := range fields {
				switch unquote(field) {
				case "TagName":
					nameCol = i
				case "Value":
					valueCol = i
				}
			}
			if nameCol < 0 || valueCol < 0 {
				return nil, errNoHeader
			}
			continue
		}
		if nameCol >= len(fields) || valueCol >= len(fields) {
			zap.S().Warnf("Skipping malformed instant value line %q", line)
			continue
		}
		values[unquote(fields[nameCol])] = fields[valueCol]
	}
	if nameCol < 0 {
		return nil, errNoHeader
	}
	return values, nil
}

// splitFields splits on semicolons outside of double quotes and keeps the quotes.
func splitFields(line string) []string {
	var fields []string
	var current strings.Builder
	quoted := false
	for _, r := range line {
		switch {
		case r == '"':
			quoted = !quoted
			current.WriteRune(r)
		case r == ';' && !quoted:
			fields = append(fields, current.String())
			current.Reset()
		default:
			current.WriteRune(r)
		}
	}
	return append(fields, current.String())
}

func unquote(field string) string {
	field = strings.TrimSpace(field)
	if len(field) >= 2 && strings.HasPrefix(field, `"`) && strings.HasSuffix(field, `"`) {
		return field[1 : len(field)-1]
	}
	return field
}

func toDeviceRecord(ewon ewonPayload) shared.DeviceRecord {
	lastSync, ok := coercion.ParseDate(ewon.LastSynchroDate)
	if !ok {
		lastSync = shared.Epoch
	}
	return shared.DeviceRecord{ID: ewon.ID, Name: ewon.Name, LastSync: lastSync}
}

func toDeviceData(ewon ewonPayload) shared.DeviceData {
	device := shared.DeviceData{
		DeviceRecord: toDeviceRecord(ewon),
		Tags:         make([]shared.TagRecord, 0, len(ewon.Tags)),
	}
	for _, tag := range ewon.Tags {
		record := shared.TagRecord{
			Name:     tag.Name,
			DataType: tag.DataType,
			Value:    tag.Value,
			Quality:  tag.Quality,
		}
		for _, h := range tag.History {
			record.History = append(record.History, shared.TagSample{Value: h.Value, Quality: h.Quality, Date: h.Date})
		}
		device.Tags = append(device.Tags, record)
	}
	return device
}
