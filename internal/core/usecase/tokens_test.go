package usecase

import "testing"

func TestTokenizeLower(t *testing.T) {
	cases := []struct {
		in   string
		want []string
	}{
		{"What is the Birth Grant?", []string{"what", "is", "the", "birth", "grant"}},
		{"출산장려금 신청 방법", []string{"출산장려금", "신청", "방법"}},
		{"", nil},
		{"--- ***", nil},
	}
	for _, tc := range cases {
		got := tokenizeLower(tc.in)
		if len(got) != len(tc.want) {
			t.Fatalf("tokenizeLower(%q) = %v, want %v", tc.in, got, tc.want)
		}
		for i := range got {
			if got[i] != tc.want[i] {
				t.Fatalf("tokenizeLower(%q)[%d] = %q, want %q", tc.in, i, got[i], tc.want[i])
			}
		}
	}
}

func TestTermFreqSpacingVariants(t *testing.T) {
	// The spaced and unspaced spellings must be near-identical under cosine,
	// since Korean compounds are written both ways in the corpus.
	spaced := termFreq("출산 장려금 지원 조례")
	joined := termFreq("출산장려금 지원 조례")

	if sim := cosineTermFreq(spaced, joined); sim < 0.8 {
		t.Fatalf("spacing variants similarity = %.3f, want >= 0.8", sim)
	}

	unrelated := termFreq("도서관 운영 시간")
	if sim := cosineTermFreq(spaced, unrelated); sim > 0.2 {
		t.Fatalf("unrelated similarity = %.3f, want <= 0.2", sim)
	}
}

func TestTermFreqASCIIZeroBigrams(t *testing.T) {
	tf := termFreq("birth grant")
	if _, ok := tf["bi"]; ok {
		t.Fatal("ASCII tokens must not be split into bigrams")
	}
	if tf["birth"] != 1 || tf["grant"] != 1 {
		t.Fatalf("unexpected frequencies: %v", tf)
	}
}

func TestCosine32(t *testing.T) {
	if got := cosine32([]float32{1, 0}, []float32{1, 0}); got < 0.999 {
		t.Fatalf("identical vectors cosine = %v", got)
	}
	if got := cosine32([]float32{1, 0}, []float32{0, 1}); got != 0 {
		t.Fatalf("orthogonal vectors cosine = %v", got)
	}
	if got := cosine32([]float32{1, 0}, []float32{1}); got != 0 {
		t.Fatalf("mismatched length cosine = %v, want 0", got)
	}
}

func TestTokenOverlap(t *testing.T) {
	q := toTokenSet("birth grant eligibility")
	c := toTokenSet("The birth grant is paid once")
	if got := tokenOverlap(q, c); got < 0.6 || got > 0.7 {
		t.Fatalf("overlap = %v, want 2/3", got)
	}
	if got := tokenOverlap(nil, c); got != 0 {
		t.Fatalf("empty query overlap = %v", got)
	}
}
