package tagging

// Vocabulary is the closed set of tags the extractor can assign. Entries
// are lowercase; matching lowers the chunk text before comparing. Grouped
// by theme for maintenance, the order is otherwise not significant beyond
// making tag output deterministic.
var Vocabulary = []string{
	// assessments and approvals
	"environmental assessment",
	"environmental impact statement",
	"screening report",
	"permit",
	"approval",
	"compliance",
	"regulatory review",
	"public consultation",
	"community engagement",
	"indigenous consultation",
	"stakeholder",
	"terms of reference",

	// water
	"groundwater",
	"surface water",
	"stormwater",
	"drainage",
	"flood risk",
	"floodplain",
	"water quality",
	"wastewater",
	"sediment",
	"erosion",
	"shoreline",
	"watercourse",
	"dewatering",
	"spill response",

	// ecology
	"wildlife",
	"habitat",
	"wetland",
	"vegetation",
	"fisheries",
	"aquatic habitat",
	"species at risk",
	"migratory birds",
	"biodiversity",
	"tree removal",
	"invasive species",
	"ecological restoration",

	// air and climate
	"air quality",
	"dust",
	"emissions",
	"greenhouse gas",
	"climate change",
	"odour",

	// noise and vibration
	"noise",
	"vibration",
	"noise barrier",
	"sound level",
	"blasting",

	// soils and geology
	"geotechnical",
	"soil contamination",
	"excavation",
	"grading",
	"fill",
	"bedrock",
	"slope stability",
	"settlement",
	"borehole",

	// heritage and land
	"archaeology",
	"cultural heritage",
	"built heritage",
	"land use",
	"zoning",
	"property acquisition",
	"easement",
	"right-of-way",
	"agricultural land",

	// infrastructure
	"bridge",
	"culvert",
	"tunnel",
	"highway",
	"roadway",
	"intersection",
	"interchange",
	"retaining wall",
	"pavement",
	"embankment",
	"utilities",
	"watermain",
	"sanitary sewer",
	"storm sewer",
	"lighting",
	"signage",

	// transportation
	"traffic management",
	"detour",
	"transit",
	"rail",
	"pedestrian",
	"cycling",
	"parking",
	"access road",
	"traffic volume",

	// construction
	"construction schedule",
	"staging",
	"demolition",
	"earthworks",
	"concrete",
	"structural steel",
	"piling",
	"paving",
	"landscaping",
	"temporary works",
	"site preparation",

	// safety and operations
	"health and safety",
	"emergency response",
	"hazardous materials",
	"risk assessment",
	"mitigation",
	"monitoring",
	"inspection",
	"maintenance",
	"remediation",
	"decommissioning",

	// project controls
	"cost estimate",
	"procurement",
	"tender",
	"contract administration",
	"change order",
	"progress report",
	"quality assurance",
}
