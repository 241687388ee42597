package validation

import "testing"

func TestIsEmpty(t *testing.T) {
	testCases := map[string]bool{
		"":        true,
		"   ":     true,
		"\t\n":    true,
		"a":       false,
		"  wave ": false,
	}
	for input, want := range testCases {
		if got := IsEmpty(input); got != want {
			t.Fatalf("IsEmpty(%q) = %v, want %v", input, got, want)
		}
	}
}

func TestIsEmail(t *testing.T) {
	valid := []string{"a@b.com", "first.last@example.co.uk", " padded@example.com "}
	for _, input := range valid {
		if !IsEmail(input) {
			t.Fatalf("expected %q to be a valid email", input)
		}
	}
	invalid := []string{"", "plain", "a@", "@b.com", "a b@c.com"}
	for _, input := range invalid {
		if IsEmail(input) {
			t.Fatalf("expected %q to be rejected", input)
		}
	}
}

func TestIsImageMimetype(t *testing.T) {
	if !IsImageMimetype("image/png") {
		t.Fatalf("expected png to be accepted")
	}
	if !IsImageMimetype("IMAGE/JPEG; charset=binary") {
		t.Fatalf("expected parameters and case to be ignored")
	}
	if IsImageMimetype("application/pdf") {
		t.Fatalf("expected pdf to be rejected")
	}
	if IsImageMimetype("image/svg+xml") {
		t.Fatalf("expected svg to be rejected")
	}
}

func TestCleanUserDetailsPrefixesWebsite(t *testing.T) {
	cleaned := CleanUserDetails(UserDetails{
		Bio:      "  sailing  ",
		Website:  "windsayl.dev",
		Location: " ",
	})
	if cleaned.Bio != "sailing" {
		t.Fatalf("unexpected bio %q", cleaned.Bio)
	}
	if cleaned.Website != "http://windsayl.dev" {
		t.Fatalf("unexpected website %q", cleaned.Website)
	}
	if cleaned.Location != "" {
		t.Fatalf("expected blank location to be dropped, got %q", cleaned.Location)
	}

	secure := CleanUserDetails(UserDetails{Website: "https://windsayl.dev"})
	if secure.Website != "https://windsayl.dev" {
		t.Fatalf("expected https website to be kept, got %q", secure.Website)
	}
}
