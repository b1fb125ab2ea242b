package models

import (
	"encoding/json"
	"fmt"
)

// UnlimitedSentinel is the balance value stored for PRO accounts. The
// storefront and the database both expect this number, so it is kept at the
// storage/JSON boundary only; code should check IsUnlimited instead.
const UnlimitedSentinel = 999999

// Credits is an account balance: either a finite number of credits or
// unlimited (PRO plan).
type Credits struct {
	unlimited bool
	value     int64
}

func FiniteCredits(n int64) Credits {
	if n < 0 {
		n = 0
	}
	return Credits{value: n}
}

func UnlimitedCredits() Credits {
	return Credits{unlimited: true}
}

// CreditsFromStorage maps a raw balance column value back to a Credits value.
func CreditsFromStorage(n int64) Credits {
	if n >= UnlimitedSentinel {
		return UnlimitedCredits()
	}
	return FiniteCredits(n)
}

func (c Credits) IsUnlimited() bool {
	return c.unlimited
}

// Value returns the finite credit count; for unlimited balances it returns
// the storage sentinel.
func (c Credits) Value() int64 {
	if c.unlimited {
		return UnlimitedSentinel
	}
	return c.value
}

// Add returns the balance after granting n credits. Adding to an unlimited
// balance is a no-op.
func (c Credits) Add(n int64) Credits {
	if c.unlimited {
		return c
	}
	return FiniteCredits(c.value + n)
}

func (c Credits) String() string {
	if c.unlimited {
		return "unlimited"
	}
	return fmt.Sprintf("%d", c.value)
}

func (c Credits) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.Value())
}

func (c *Credits) UnmarshalJSON(data []byte) error {
	var n int64
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*c = CreditsFromStorage(n)
	return nil
}
