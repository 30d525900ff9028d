package integration

import "context"

// GetOrCreateContact returns the contact matching data, creating it when the
// provider has none. It is the only path the call sync uses to resolve a
// caller, which keeps contact creation idempotent for every adapter.
func GetOrCreateContact(ctx context.Context, in Integration, data ContactData) (Contact, bool, error) {
	found, err := in.FindContact(ctx, data)
	if err != nil {
		return Contact{}, false, err
	}
	if found != nil {
		return *found, false, nil
	}
	created, err := in.CreateContact(ctx, data)
	if err != nil {
		return Contact{}, false, err
	}
	return created, true, nil
}

// CallerContact builds the contact payload for the caller of call.
func CallerContact(call CallData) ContactData {
	first, last := SplitName(call.CallerName)
	return ContactData{
		FirstName: first,
		LastName:  last,
		Phone:     call.CallerPhone,
		Email:     call.CallerEmail,
	}
}
