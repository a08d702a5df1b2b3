/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package gcra_test

import (
	"fmt"
	"time"

	"github.com/acronis/go-gcra/gcra"
)

func ExampleState() {
	limit := gcra.MustNewRateLimit(2, time.Second)
	now := time.Date(2025, time.March, 14, 9, 26, 53, 0, time.UTC)

	var state gcra.State
	fmt.Println(state.CheckAndModifyAt(limit, now, 1) == nil)
	fmt.Println(state.CheckAndModifyAt(limit, now, 1) == nil)
	fmt.Println(state.CheckAndModifyAt(limit, now, 1) == nil)
	fmt.Println(state.RemainingResources(limit, now))

	// Output:
	// true
	// true
	// false
	// 0
}

func ExampleGuard() {
	guard := gcra.NewGuard(gcra.PerSec(100))

	if err := guard.CheckAndModify(1); err != nil {
		fmt.Println("denied:", err)
		return
	}
	fmt.Println("admitted, remaining:", guard.RemainingResources())

	// Output:
	// admitted, remaining: 99
}
