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

import "fmt"

// response is the envelope of every DataMailbox call.
type response struct {
	Success           *bool         `json:"success"`
	Code              int           `json:"code"`
	Message           string        `json:"message"`
	TransactionID     *int64        `json:"transactionId"`
	MoreDataAvailable bool          `json:"moreDataAvailable"`
	Ewons             []ewonPayload `json:"ewons"`
}

func (r *response) err() error {
	if r.Success != nil && !*r.Success {
		return fmt.Errorf("talk2m error %d: %s", r.Code, r.Message)
	}
	return nil
}

type ewonPayload struct {
	ID              int64        `json:"id"`
	Name            string       `json:"name"`
	LastSynchroDate string       `json:"lastSynchroDate"`
	Tags            []tagPayload `json:"tags"`
}

// ewonResponse is returned by getewon, which inlines the device into the envelope.
type ewonResponse struct {
	Success *bool  `json:"success"`
	Code    int    `json:"code"`
	Message string `json:"message"`
	ewonPayload
}

type tagPayload struct {
	ID          int64            `json:"id"`
	Name        string           `json:"name"`
	DataType    string           `json:"dataType"`
	Description string           `json:"description"`
	Quality     string           `json:"quality"`
	Value       interface{}      `json:"value"`
	History     []historyPayload `json:"history"`
}

type historyPayload struct {
	Date    string      `json:"date"`
	Quality string      `json:"quality"`
	Value   interface{} `json:"value"`
}
