package salesforce

import (
	"context"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
)

// Contact is a Salesforce Contact record.
type Contact struct {
	ID          string `json:"Id" salesforce:"Id"`
	FirstName   string `json:"FirstName" salesforce:"FirstName"`
	LastName    string `json:"LastName" salesforce:"LastName"`
	Email       string `json:"Email" salesforce:"Email"`
	Phone       string `json:"Phone" salesforce:"Phone"`
	MobilePhone string `json:"MobilePhone" salesforce:"MobilePhone"`
	Title       string `json:"Title" salesforce:"Title"`
	LinkedInURL string `json:"LinkedIn_URL__c" salesforce:"LinkedIn_URL__c"`
	AccountName string `json:"Account_Name__c" salesforce:"Account_Name__c"`
	Website     string `json:"Account_Website__c" salesforce:"Account_Website__c"`
}

var contactFields = []string{
	"Id", "FirstName", "LastName", "Email", "Phone", "MobilePhone", "Title",
	"LinkedIn_URL__c", "Account_Name__c", "Account_Website__c",
}

// FindContactByEmail returns the first Contact with the given email, or nil.
func FindContactByEmail(ctx context.Context, c Client, email string) (*Contact, error) {
	return findContact(ctx, c, fmt.Sprintf("Email = '%s'", escapeSoql(email)))
}

// FindContactByLinkedIn returns the first Contact with the given LinkedIn
// profile URL, or nil.
func FindContactByLinkedIn(ctx context.Context, c Client, url string) (*Contact, error) {
	return findContact(ctx, c, fmt.Sprintf("LinkedIn_URL__c = '%s'", escapeSoql(url)))
}

// FindContactByName returns the first Contact with the given first and last
// name at the named account, or nil.
func FindContactByName(ctx context.Context, c Client, first, last, account string) (*Contact, error) {
	where := fmt.Sprintf("FirstName = '%s' AND LastName = '%s'", escapeSoql(first), escapeSoql(last))
	if account != "" {
		where += fmt.Sprintf(" AND Account_Name__c LIKE '%s%%'", escapeSoql(account))
	}
	return findContact(ctx, c, where)
}

func findContact(ctx context.Context, c Client, where string) (*Contact, error) {
	soql := fmt.Sprintf("SELECT %s FROM Contact WHERE %s LIMIT 1", strings.Join(contactFields, ", "), where)

	var contacts []Contact
	if err := c.Query(ctx, soql, &contacts); err != nil {
		return nil, eris.Wrap(err, "sf: find contact")
	}
	if len(contacts) == 0 {
		return nil, nil
	}
	return &contacts[0], nil
}

// escapeSoql escapes backslashes and single quotes in SOQL string literals.
func escapeSoql(s string) string {
	return strings.NewReplacer(`\`, `\\`, `'`, `\'`).Replace(s)
}
