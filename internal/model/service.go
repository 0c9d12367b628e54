package model

import "time"

// ServiceRecord is one provisioned onion service as tracked in the registry.
type ServiceRecord struct {
	Name             string    `json:"name"`
	Directory        string    `json:"directory"`
	Port             int       `json:"port"`
	Address          string    `json:"address,omitempty"`
	WebsiteDirectory string    `json:"website_directory,omitempty"`
	Status           string    `json:"status"`
	CreatedAt        time.Time `json:"created_at"`
}
