package jobid

// Two fixed dictionaries, biology and astronomy flavored. All entries are
// lowercase ASCII letters only so minted ids stay in [a-z0-9-].

var adjectives = []string{
	"amber", "ancient", "apical", "aquatic", "arboreal", "arctic", "astral",
	"auroral", "axial", "basal", "benthic", "bioluminal", "boreal",
	"bright", "calm", "carbonic", "celestial", "chiral", "ciliate", "clear",
	"clonal", "coastal", "cosmic", "crimson", "crystalline", "dark",
	"dawn", "deep", "dense", "diploid", "distal", "dorsal", "dusky", "dwarf",
	"early", "eccentric", "elliptic", "emergent", "endemic", "epic", "equatorial",
	"faint", "feral", "fibrous", "floral", "fluvial", "fossil", "fungal",
	"galactic", "gaseous", "gentle", "giant", "glacial", "golden", "granular",
	"gravid", "green", "haploid", "hardy", "helical", "heliacal", "hollow",
	"humid", "hybrid", "icy", "igneous", "inner", "intertidal", "ionic",
	"iron", "island", "jovian", "juvenile", "keen", "larval", "lateral",
	"littoral", "luminous", "lunar", "lush", "magnetic", "marine",
	"mild", "mineral", "molecular", "molten", "montane", "mossy",
	"motile", "mutant", "nacreous", "native", "nebular", "nocturnal", "northern",
	"novel", "nuclear", "oceanic", "orbital", "outer", "oviparous", "pale",
	"pelagic", "perennial", "photic", "placid", "planar", "plasmid", "polar",
	"primal", "pristine", "protean", "proximal", "quiet", "radial", "radiant",
	"rapid", "red", "remote", "riparian", "rocky", "rooted", "ruby",
	"saline", "sandy", "seismic", "sessile", "sidereal", "silent", "silver",
	"solar", "southern", "spectral", "spiral", "stellar", "still",
	"stony", "sublime", "swift", "symbiotic", "tectonic", "temperate", "thermal",
	"tidal", "tiny", "tropic", "tundral", "umbral", "vernal", "violet",
	"viral", "vivid", "volcanic", "wild", "wintry", "young", "zonal",
}

var nouns = []string{
	"albatross", "alga", "amoeba", "anemone", "antenna", "aphelion", "apogee",
	"archaea", "asteroid", "atom", "aurora", "axon", "bacillus", "barnacle",
	"basilisk", "beetle", "binary", "biome", "bloom", "bolide", "burrow",
	"calyx", "canopy", "capsid", "carapace", "cell", "cephalopod", "chlorophyll",
	"chromosome", "chrysalis", "cilium", "cloud", "cluster", "codon", "comet",
	"conifer", "coral", "corona", "cortex", "cosmos", "cotyledon", "crater",
	"crescent", "cricket", "cuttlefish", "cygnus", "cytoplasm", "delta",
	"dendrite", "diatom", "dipole", "dolphin", "drumlin", "eclipse", "ecliptic",
	"enzyme", "equinox", "estuary", "falcon", "fern", "finch", "firefly",
	"fjord", "flagellum", "flora", "fossa", "fungus", "galaxy", "gamete",
	"gecko", "genome", "geyser", "gibbon", "ginkgo", "glacier", "grove",
	"halo", "helix", "heron", "hydra", "hyphae", "ibis", "isopod", "kelp",
	"kestrel", "krill", "lagoon", "larva", "lemur", "lichen", "limpet",
	"locus", "lotus", "lynx", "magnetar", "mantis", "marrow", "meadow",
	"meridian", "mesa", "meteor", "microbe", "mitosis", "mollusk", "moraine",
	"moth", "nautilus", "nebula", "nectar", "neuron", "newt", "node", "nova",
	"nucleus", "obelisk", "ocelot", "orbit", "orca", "organelle", "osprey",
	"otter", "parsec", "penumbra", "perigee", "petal", "pheromone", "photon",
	"phylum", "pistil", "plankton", "plasma", "plateau", "pollen", "polyp",
	"prism", "protein", "pulsar", "quasar", "quark", "raven", "reef", "ribosome",
	"rotifer", "sepal", "sequoia", "shoal", "solstice", "spore", "sprout",
	"starling", "stamen", "stoma", "swale", "syzygy", "tardigrade", "taxon",
	"tendril", "terrapin", "thicket", "transit", "tundra", "umbra", "urchin",
	"vacuole", "vertex", "vesper", "willow", "zenith", "zygote",
}
